// Package queue coordinates ready, in-flight, and scheduled job work in
// Redis. The queue carries job ids only; the Postgres job row is the source
// of truth for what work the id implies.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"seva-orchestrator/internal/config"
)

const (
	readyKey     = "seva:ready"
	inflightKey  = "seva:inflight"
	scheduledKey = "seva:scheduled"
)

// RedisQueue hands job ids to workers under a visibility-timeout lease.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{client: client, visibilityTTL: visibility}
}

// Enqueue makes a job visible to workers, immediately or at runAt.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: jobID,
		}).Err()
	}
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a ready job and places it into inflight with a
// visibility timeout. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey, inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them so a
// crashed worker's job is picked up again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a job from ready, scheduled, and in-flight sets. Used on
// cancellation; removal is best-effort since a worker may already hold it.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, readyKey, 0, jobID)
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the ready queue length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
