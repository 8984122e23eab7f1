package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
)

// RedisQueue is a list-backed work queue. Producers LPUSH onto the pending
// list; each consumer BLMOVEs one task at a time onto its processing list
// and LREMs it only after the task ran, so a crashed worker leaves the task
// recoverable. One in-flight task per consumer keeps GPU work serialized.
type RedisQueue struct {
	client *goredis.Client
	name   string
	log    *logger.Logger
}

func NewRedisQueue(ctx context.Context, redisURL, name string, log *logger.Logger) (*RedisQueue, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if name == "" {
		name = DefaultQueueName
	}
	return &RedisQueue{
		client: client,
		name:   name,
		log:    log.With("service", "RedisQueue", "queue", name),
	}, nil
}

func (q *RedisQueue) pendingKey() string {
	return "df:queue:" + q.name
}

func (q *RedisQueue) processingKey(consumer string) string {
	return "df:queue:" + q.name + ":processing:" + consumer
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pendingKey(), body).Err(); err != nil {
		return apperr.Wrap(apperr.CodeInfraUnavailable, fmt.Errorf("enqueue: %w", err))
	}
	return nil
}

// Dequeue blocks up to timeout for one task, moving it to the consumer's
// processing list. It returns (nil, nil) on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Task, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(consumer), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// drop the poison entry so it cannot wedge the consumer
		q.client.LRem(ctx, q.processingKey(consumer), 1, raw)
		q.log.Error("dropping malformed task", "raw", raw, "error", err)
		return nil, nil
	}
	return &task, nil
}

// Ack removes the task from the consumer's processing list after it ran.
func (q *RedisQueue) Ack(ctx context.Context, consumer string, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, q.processingKey(consumer), 1, body).Err()
}

// Requeue moves any tasks stranded on the consumer's processing list back to
// pending, for crash recovery at worker startup.
func (q *RedisQueue) Requeue(ctx context.Context, consumer string) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(consumer), q.pendingKey(), "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return moved, nil
			}
			return moved, err
		}
		moved++
	}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
