package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/gridauth/internal/adapter/cache"
)

func TestRedisPollLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := cache.NewRedisPollLimiter(client)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "device-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow(ctx, "device-a", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = limiter.Allow(ctx, "device-b", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(5 * time.Second)
	ok, err = limiter.Allow(ctx, "device-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, limiter.Forget(ctx, "device-a"))
	ok, err = limiter.Allow(ctx, "device-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisPollLimiterUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := cache.NewRedisPollLimiter(client).Allow(context.Background(), "device", time.Second)
	require.Error(t, err)
}

func TestMemoryPollLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := cache.NewMemoryPollLimiter().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "device", 5*time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = limiter.Allow(ctx, "device", 5*time.Second)
	require.False(t, ok)

	// A refused poll must not push the window forward.
	now = now.Add(3 * time.Second)
	ok, _ = limiter.Allow(ctx, "device", 5*time.Second)
	require.True(t, ok)
}
