package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Bus carries notification envelopes between the orchestrator and whatever is
// watching it (the websocket stream, other processes). Publishers never block
// on subscribers.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error)
	Close() error
}

// MemoryBus is an in-process bus for single-node deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*subscription]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for sub := range b.subs {
		sub.deliver(env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("bus closed")
	}
	var sub *subscription
	sub = newSubscription(filter, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})
	b.subs[sub] = struct{}{}
	sub.closeWith(ctx)
	return sub.out, sub.close, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// Open builds a bus for the configured backend: "memory" (default), "redis"
// or "nats". Network backends publish on subjects derived from subjects.
func Open(backend string, address string, subjects Subjects) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(address, subjects)
	case "nats":
		return NewNATSBus(address, subjects)
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", backend)
	}
}
