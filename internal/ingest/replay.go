package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplayed marks a webhook id already delivered for a different owner.
var ErrReplayed = errors.New("webhook id already used for another owner")

// ReplayGuard binds each webhook id to the first owner it was delivered to.
// Providers resend the same id to the same owner on retry; only a
// cross-owner reuse is rejected.
type ReplayGuard interface {
	Claim(ctx context.Context, provider, webhookID, ownerID string) error
}

// RedisReplayGuard shares bindings across API replicas.
type RedisReplayGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisReplayGuard keeps bindings for ttl, which must outlast the
// signature timestamp tolerance.
func NewRedisReplayGuard(client redis.Cmdable, ttl time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, ttl: ttl}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, provider, webhookID, ownerID string) error {
	key := "webhook:" + provider + ":" + webhookID
	ok, err := g.client.SetNX(ctx, key, ownerID, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim webhook id: %w", err)
	}
	if ok {
		return nil
	}
	bound, err := g.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return nil
	}
	if err != nil {
		return fmt.Errorf("read webhook id: %w", err)
	}
	if bound != ownerID {
		return ErrReplayed
	}
	return nil
}

// MemoryReplayGuard is the single-process variant.
type MemoryReplayGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	bound map[string]binding
}

type binding struct {
	owner   string
	expires time.Time
}

func NewMemoryReplayGuard(ttl time.Duration) *MemoryReplayGuard {
	return &MemoryReplayGuard{ttl: ttl, now: time.Now, bound: make(map[string]binding)}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, provider, webhookID, ownerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, b := range g.bound {
		if !b.expires.After(now) {
			delete(g.bound, k)
		}
	}
	key := provider + ":" + webhookID
	if b, ok := g.bound[key]; ok && b.owner != ownerID {
		return ErrReplayed
	}
	g.bound[key] = binding{owner: ownerID, expires: now.Add(g.ttl)}
	return nil
}
