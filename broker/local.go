package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// LocalBroker delivers synchronously inside one process. The stub target
// uses it in place of Redis.
type LocalBroker struct {
	subscribers map[string][]MessageHandler
	mu          sync.RWMutex
	closed      atomic.Bool
	published   atomic.Int64
}

func NewLocal() *LocalBroker {
	return &LocalBroker{
		subscribers: make(map[string][]MessageHandler),
	}
}

func (b *LocalBroker) Publish(_ context.Context, channel string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.RLock()
	handlers := b.subscribers[channel]
	b.mu.RUnlock()
	b.published.Add(1)
	for _, h := range handlers {
		h(channel, data)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, channel string, handler MessageHandler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
	return nil
}

func (b *LocalBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
	return nil
}

func (b *LocalBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *LocalBroker) Published() int64 {
	return b.published.Load()
}

func (b *LocalBroker) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]MessageHandler)
	return nil
}
