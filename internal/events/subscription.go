package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// subscription is the delivery end of one Subscribe call. Envelopes that do
// not match the filter are dropped, and so are envelopes that arrive while the
// subscriber's buffer is full: a slow websocket client never stalls the
// broker connection.
type subscription struct {
	filter  Filter
	out     chan Envelope
	onClose func()

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newSubscription(filter Filter, onClose func()) *subscription {
	return &subscription{
		filter:  filter,
		out:     make(chan Envelope, subscriberBuffer),
		onClose: onClose,
	}
}

// deliverRaw decodes a broker payload; malformed payloads are skipped.
func (s *subscription) deliverRaw(raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return
	}
	s.deliver(env)
}

func (s *subscription) deliver(env Envelope) {
	if !s.filter.Match(env) {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- env:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
}

// closeWith ties the subscription's lifetime to ctx.
func (s *subscription) closeWith(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		s.close()
	}()
}
