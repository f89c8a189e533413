package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const pollKeyPrefix = "gridauth:device-poll:"

// RedisPollLimiter enforces the device-flow poll interval with a Redis key
// that lives for exactly one interval.
type RedisPollLimiter struct {
	client redis.UniversalClient
}

// NewRedisPollLimiter constructs a Redis-backed poll limiter.
func NewRedisPollLimiter(client redis.UniversalClient) *RedisPollLimiter {
	return &RedisPollLimiter{client: client}
}

// Allow reports whether a poll for key may proceed. A refused poll does not
// extend the window.
func (l *RedisPollLimiter) Allow(ctx context.Context, key string, interval time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, pollKeyPrefix+key, 1, interval).Result()
	if err != nil {
		return false, fmt.Errorf("record device poll: %w", err)
	}
	return ok, nil
}

// Forget drops the poll window for key once the flow has finished.
func (l *RedisPollLimiter) Forget(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, pollKeyPrefix+key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("forget device poll: %w", err)
	}
	return nil
}

// MemoryPollLimiter is the single-process equivalent of RedisPollLimiter.
type MemoryPollLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewMemoryPollLimiter constructs an in-process poll limiter.
func NewMemoryPollLimiter() *MemoryPollLimiter {
	return &MemoryPollLimiter{last: map[string]time.Time{}, now: time.Now}
}

// WithClock overrides the time source.
func (l *MemoryPollLimiter) WithClock(now func() time.Time) *MemoryPollLimiter {
	l.now = now
	return l
}

func (l *MemoryPollLimiter) Allow(_ context.Context, key string, interval time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

func (l *MemoryPollLimiter) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, key)
	return nil
}
