package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEagerQueueRunsInline(t *testing.T) {
	var ran []Task
	q := NewEagerQueue(func(_ context.Context, task Task) error {
		ran = append(ran, task)
		return nil
	})

	task := Task{JobID: uuid.New(), StepName: "generate"}
	require.NoError(t, q.Enqueue(context.Background(), task))
	require.Len(t, ran, 1)
	require.Equal(t, task, ran[0])
}

func TestEagerQueuePropagatesDispatchError(t *testing.T) {
	q := NewEagerQueue(func(context.Context, Task) error {
		return fmt.Errorf("step blew up")
	})
	err := q.Enqueue(context.Background(), Task{JobID: uuid.New(), StepName: "generate"})
	require.Error(t, err)
}

func TestTaskWireFormat(t *testing.T) {
	task := Task{JobID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), StepName: "upscale"}
	body, err := json.Marshal(task)
	require.NoError(t, err)
	require.JSONEq(t, `{"job_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","step_name":"upscale"}`, string(body))

	var decoded Task
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, task, decoded)
}
