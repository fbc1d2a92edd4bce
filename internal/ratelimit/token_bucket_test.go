package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{now: time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)}
	bucket := NewTokenBucket(client, 2, 1, time.Minute, WithClock(c.Now))

	allowed, err := bucket.Allow(ctx, "owner-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, left, err := bucket.Take(ctx, "owner-1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.InDelta(t, 0, left, 0.001)

	allowed, err = bucket.Allow(ctx, "owner-1")
	require.NoError(t, err)
	require.False(t, allowed, "third request within the same instant must be rejected")

	allowed, err = bucket.Allow(ctx, "owner-2")
	require.NoError(t, err)
	require.True(t, allowed, "owners have separate buckets")

	c.Advance(1500 * time.Millisecond)
	allowed, left, err = bucket.Take(ctx, "owner-1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.InDelta(t, 0.5, left, 0.001)

	require.True(t, mr.Exists("rl:owner-1"))
}

func TestTokenBucketRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewTokenBucket(client, 1, 1, time.Minute).Allow(context.Background(), "owner-1")
	require.Error(t, err)
}
