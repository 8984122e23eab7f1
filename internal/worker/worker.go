package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/queue"
)

const dequeueTimeout = 5 * time.Second

// Pool pulls tasks from the queue with a fixed number of consumers, one
// in-flight task each. Concurrency above 1 only makes sense with engines
// that multiplex the device.
type Pool struct {
	queue       *queue.RedisQueue
	dispatch    queue.DispatchFunc
	concurrency int
	log         *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(q *queue.RedisQueue, dispatch queue.DispatchFunc, concurrency int, log *logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queue:       q,
		dispatch:    dispatch,
		concurrency: concurrency,
		log:         log.With("service", "WorkerPool"),
	}
}

// Start recovers tasks stranded by a previous crash of this host, then
// launches the consumer loops.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	host, _ := os.Hostname()
	for i := 0; i < p.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", host, i)
		moved, err := p.queue.Requeue(ctx, consumer)
		if err != nil {
			return fmt.Errorf("requeue stranded tasks for %s: %w", consumer, err)
		}
		if moved > 0 {
			p.log.Warn("requeued stranded tasks", "consumer", consumer, "count", moved)
		}

		p.wg.Add(1)
		go p.runLoop(ctx, consumer)
	}
	p.log.Info("worker pool started", "concurrency", p.concurrency)
	return nil
}

func (p *Pool) runLoop(ctx context.Context, consumer string) {
	defer p.wg.Done()
	log := p.log.With("consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.Dequeue(ctx, consumer, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		p.runTask(ctx, consumer, *task, log)
	}
}

// runTask executes one task and acks it afterwards regardless of outcome;
// the executor has already persisted any failure against the job.
func (p *Pool) runTask(ctx context.Context, consumer string, task queue.Task, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "job_id", task.JobID, "step", task.StepName, "panic", r)
		}
		if err := p.queue.Ack(ctx, consumer, task); err != nil {
			log.Error("ack failed", "job_id", task.JobID, "error", err)
		}
	}()

	if err := p.dispatch(ctx, task); err != nil {
		log.Error("task failed", "job_id", task.JobID, "step", task.StepName, "error", err)
	}
}

// Stop signals the loops and waits for in-flight tasks to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}
