package queue

import (
	"context"

	"github.com/google/uuid"
)

// DefaultQueueName is the single work queue shared by all GPU-bound steps.
const DefaultQueueName = "gpu.default"

// Task is the unit of dispatch: run the named step of the job. Workers
// re-read all other state from the database, so tasks stay minimal and
// safe to replay.
type Task struct {
	JobID    uuid.UUID `json:"job_id"`
	StepName string    `json:"step_name"`
}

// Queue hands tasks to the execution side. Implementations must tolerate
// duplicate delivery; the executor is idempotent per (job, step).
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// DispatchFunc executes a task to completion. Errors are already recorded
// against the job by the executor; the return value only drives logging.
type DispatchFunc func(ctx context.Context, task Task) error

// EagerQueue runs each task inline on Enqueue, on the caller's goroutine.
// It exists so the API process can run without a broker while exercising
// the exact same dispatch path as queued mode.
type EagerQueue struct {
	dispatch DispatchFunc
}

func NewEagerQueue(dispatch DispatchFunc) *EagerQueue {
	return &EagerQueue{dispatch: dispatch}
}

func (q *EagerQueue) Enqueue(ctx context.Context, task Task) error {
	return q.dispatch(ctx, task)
}
