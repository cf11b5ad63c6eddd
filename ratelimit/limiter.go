// Package ratelimit counts requests per identity in fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter shares its windows across every instance pointed at the same Redis.
type RedisLimiter struct {
	client redisCounter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client redisCounter, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	fullKey := fmt.Sprintf("%s%s:%d", l.prefix, key, slot)

	n, err := l.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, fullKey, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit %s: set ttl: %w", key, err)
		}
	}
	return n <= int64(l.limit), nil
}

type window struct {
	slot  int64
	count int
}

// MemoryLimiter is the single-instance fallback.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter(limit int, windowSize time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: windowSize, windows: map[string]*window{}, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot := l.now().UnixNano() / int64(l.window)
	w, ok := l.windows[key]
	if !ok || w.slot != slot {
		// Drop stale windows so the map doesn't grow without bound.
		for k, other := range l.windows {
			if other.slot != slot {
				delete(l.windows, k)
			}
		}
		w = &window{slot: slot}
		l.windows[key] = w
	}
	w.count++
	return w.count <= l.limit, nil
}
