package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a reliable FIFO of job ids built on two lists.
//
//	Enqueue: LPUSH queue
//	Claim:   BRPOPLPUSH queue -> processing
//	Ack:     LREM processing
//
// Ids left in the processing list by a crashed worker are moved back by
// RequeueStale, which gives at-least-once delivery.
type Queue struct {
	rdb           redis.Cmdable
	queueKey      string
	processingKey string
}

func NewQueue(rdb redis.Cmdable, queueKey, processingKey string) *Queue {
	return &Queue{rdb: rdb, queueKey: queueKey, processingKey: processingKey}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, q.queueKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Claim blocks up to wait for the next id. ok is false when nothing arrived.
func (q *Queue) Claim(ctx context.Context, wait time.Duration) (string, bool, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (q *Queue) Ack(ctx context.Context, jobID string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err()
}

// RequeueStale moves up to max ids from processing back to the queue.
func (q *Queue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for i := int64(0); i < max; i++ {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
