package worker

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by MemoryQueue.Enqueue when the buffer is at capacity.
var ErrQueueFull = errors.New("job queue is full")

// MemoryQueue is a bounded in-process queue. Ack is a no-op and ids are lost
// on restart; use the Redis queue when jobs must outlive the process.
type MemoryQueue struct {
	ch chan string
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{ch: make(chan string, capacity)}
}

// Enqueue never blocks.
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Claim(ctx context.Context, wait time.Duration) (string, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, string) error { return nil }

// Len reports how many ids are waiting.
func (q *MemoryQueue) Len() int { return len(q.ch) }
