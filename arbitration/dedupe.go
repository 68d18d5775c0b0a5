package arbitration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard tracks which handles already had a verdict submitted, so a redelivered
// adapter response is not pushed twice. Release reopens a handle after a
// failed submission.
type Guard interface {
	First(ctx context.Context, handle string) (bool, error)
	Release(ctx context.Context, handle string) error
}

// MemoryGuard is the in-process guard used when no Redis is configured and in
// tests.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryGuard builds an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

// First reports whether this is the first submission for the handle and marks it.
func (g *MemoryGuard) First(_ context.Context, handle string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[handle]; ok {
		return false, nil
	}
	g.seen[handle] = struct{}{}
	return true, nil
}

// Release reopens the handle.
func (g *MemoryGuard) Release(_ context.Context, handle string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, handle)
	return nil
}

// RedisGuard shares the submission set across relay instances.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisGuard builds a Redis-backed guard. Entries expire after ttl since a
// consumed handle is rejected by the correlator anyway.
func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func guardKey(handle string) string {
	return "arbitration:submitted:" + handle
}

// First marks the handle submitted if it was not already.
func (g *RedisGuard) First(ctx context.Context, handle string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, guardKey(handle), 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("arbitration: guard setnx: %w", err)
	}
	return ok, nil
}

// Release reopens the handle.
func (g *RedisGuard) Release(ctx context.Context, handle string) error {
	if err := g.rdb.Del(ctx, guardKey(handle)).Err(); err != nil {
		return fmt.Errorf("arbitration: guard del: %w", err)
	}
	return nil
}
