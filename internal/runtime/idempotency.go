package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyLock is a distributed SetNX lock guarding PayloadStore.Store
// against duplicate concurrent uploads of the same content hash when more
// than one process shares a payload backend, adapted from the teacher's
// go-redis usage in db/dragonflydb.go and queue/redis/queue.go.
type IdempotencyLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewIdempotencyLock parses a redis URL the same way queue/redis.NewQueue
// does and verifies connectivity with a Ping.
func NewIdempotencyLock(ctx context.Context, redisURL string, ttl time.Duration) (*IdempotencyLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("runtime: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runtime: connect to redis: %w", err)
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &IdempotencyLock{client: client, ttl: ttl, prefix: "elspeth:payload-lock:"}, nil
}

// Close releases the client.
func (l *IdempotencyLock) Close() error { return l.client.Close() }

// Acquire attempts to take the lock for contentRef. true means the caller
// owns the upload and should proceed to Store; false means another process
// is already storing the same content hash.
func (l *IdempotencyLock) Acquire(ctx context.Context, contentRef string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+contentRef, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("runtime: acquire idempotency lock for %s: %w", contentRef, err)
	}
	return ok, nil
}

// Release drops the lock early, once the caller's upload completes.
func (l *IdempotencyLock) Release(ctx context.Context, contentRef string) error {
	if err := l.client.Del(ctx, l.prefix+contentRef).Err(); err != nil {
		return fmt.Errorf("runtime: release idempotency lock for %s: %w", contentRef, err)
	}
	return nil
}

// FairnessCounter tracks, per service, how many callers are currently
// waiting on ServiceLimiter.Wait, as a queue-depth figure; nothing in
// cmd/elspeth reads it, and it never gates admission itself (the rate.Limiter does).
type FairnessCounter struct {
	client *redis.Client
	prefix string
}

// NewFairnessCounter wraps an already-connected client.
func NewFairnessCounter(client *redis.Client) *FairnessCounter {
	return &FairnessCounter{client: client, prefix: "elspeth:limiter-waiters:"}
}

// Enter increments the waiter count for service and returns a release func.
func (f *FairnessCounter) Enter(ctx context.Context, service string) (func(), error) {
	key := f.prefix + service
	if err := f.client.Incr(ctx, key).Err(); err != nil {
		return func() {}, fmt.Errorf("runtime: increment fairness counter for %s: %w", service, err)
	}
	return func() {
		_ = f.client.Decr(context.Background(), key).Err()
	}, nil
}

// Depth reports the current waiter count for service.
func (f *FairnessCounter) Depth(ctx context.Context, service string) (int64, error) {
	n, err := f.client.Get(ctx, f.prefix+service).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("runtime: read fairness counter for %s: %w", service, err)
	}
	return n, nil
}
