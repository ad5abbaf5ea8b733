package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Queue is the Redis list workers pull jobs from. Producers LPUSH job
// messages and workers BRPOP them, so delivery order is FIFO per queue.
type Queue struct {
	rclient *redis.Client
	logger  *logharbour.Logger
}

func NewQueue(rclient *redis.Client, logger *logharbour.Logger) *Queue {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if rclient == nil {
		panic("redis client cannot be nil")
	}
	return &Queue{rclient: rclient, logger: logger}
}

// Enqueue appends a job message to the queue.
func (q *Queue) Enqueue(ctx context.Context, msg JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}
	if err := q.rclient.LPush(ctx, JobQueueKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.Debug0().LogActivity("Job enqueued", map[string]any{"taskId": msg.TaskID})
	return nil
}

// Dequeue blocks up to timeout for the next job message. It returns
// ErrQueueEmpty when the wait expires with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*JobMessage, error) {
	vals, err := q.rclient.BRPop(ctx, timeout, JobQueueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	// BRPOP replies [key, value]
	if len(vals) < 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(vals))
	}
	var msg JobMessage
	if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	return &msg, nil
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rclient.LLen(ctx, JobQueueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}
