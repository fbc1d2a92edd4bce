package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Kicker wakes idle workers after an enqueue. Delivery is best effort: a
// lost kick only delays a job until the next poll.
type Kicker interface {
	Kick(ctx context.Context) error
	// Listen returns a channel that receives a value after one or more kicks.
	Listen(ctx context.Context) (<-chan struct{}, error)
}

// LocalKicker signals workers in the same process.
type LocalKicker struct {
	ch chan struct{}
}

func NewLocalKicker() *LocalKicker {
	return &LocalKicker{ch: make(chan struct{}, 1)}
}

// Kick never blocks; pending kicks coalesce.
func (k *LocalKicker) Kick(context.Context) error {
	select {
	case k.ch <- struct{}{}:
	default:
	}
	return nil
}

func (k *LocalKicker) Listen(context.Context) (<-chan struct{}, error) {
	return k.ch, nil
}

// RedisKicker fans kicks out to every worker process over Redis pub/sub.
type RedisKicker struct {
	client  *redis.Client
	channel string
}

func NewRedisKicker(client *redis.Client, channel string) *RedisKicker {
	if channel == "" {
		channel = "dispatch:kick"
	}
	return &RedisKicker{client: client, channel: channel}
}

func (k *RedisKicker) Kick(ctx context.Context) error {
	if err := k.client.Publish(ctx, k.channel, "kick").Err(); err != nil {
		return fmt.Errorf("publish kick: %w", err)
	}
	return nil
}

// Listen subscribes before returning, so kicks published after Listen
// returns are not missed. The subscription closes with ctx.
func (k *RedisKicker) Listen(ctx context.Context) (<-chan struct{}, error) {
	sub := k.client.Subscribe(ctx, k.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", k.channel, err)
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
