package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker publishes and subscribes on the channels the target's API
// and broadcast service share. Channel names are used as given.
type RedisBroker struct {
	client *redis.Client
	pubsub map[string]*redis.PubSub
	mu     sync.RWMutex
}

func NewRedis(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return &RedisBroker{
		client: client,
		pubsub: make(map[string]*redis.PubSub),
	}, nil
}

// Client exposes the underlying connection for key reads.
func (b *RedisBroker) Client() *redis.Client {
	return b.client
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	return b.client.Publish(ctx, channel, data).Err()
}

// Subscribe returns once the server has confirmed the subscription, so a
// publish issued right after it is not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	if old, ok := b.pubsub[channel]; ok {
		old.Close()
	}
	b.pubsub[channel] = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()
	return nil
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	ps, ok := b.pubsub[channel]
	if ok {
		delete(b.pubsub, channel)
	}
	b.mu.Unlock()
	if ok {
		return ps.Close()
	}
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, ps := range b.pubsub {
		ps.Close()
	}
	b.pubsub = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	return b.client.Close()
}
