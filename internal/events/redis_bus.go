package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, patterns ...string) redisPubSub
	Close() error
}

// RedisBus fans notifications out over redis pub/sub so several processes can
// watch one board. Subscriptions use PSUBSCRIBE with the filter's patterns.
type RedisBus struct {
	client   redisClient
	subjects Subjects
}

func NewRedisBus(address string, subjects Subjects) (*RedisBus, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{client: redisClientAdapter{redis.NewClient(options)}, subjects: subjects}, nil
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.subjects.For(env), raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, fmt.Errorf("redis bus is not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pubSub := b.client.PSubscribe(ctx, b.subjects.Patterns(filter)...)
	if pubSub == nil {
		return nil, nil, fmt.Errorf("redis psubscribe failed")
	}
	sub := newSubscription(filter, func() { _ = pubSub.Close() })
	messages := pubSub.Channel()
	go func() {
		defer sub.close()
		for msg := range messages {
			sub.deliverRaw([]byte(msg.Payload))
		}
	}()
	sub.closeWith(ctx)
	return sub.out, sub.close, nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r redisClientAdapter) PSubscribe(ctx context.Context, patterns ...string) redisPubSub {
	return r.Client.PSubscribe(ctx, patterns...)
}
