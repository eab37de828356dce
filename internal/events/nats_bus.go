package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close() error
}

// NATSBus publishes each notification on its own subject so remote watchers
// can subscribe to one task or one event type with native wildcards.
type NATSBus struct {
	conn     natsConn
	subjects Subjects
}

func NewNATSBus(address string, subjects Subjects) (*NATSBus, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address, nats.Name("kanban-automator"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: natsConnAdapter{conn}, subjects: subjects}, nil
}

func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subjects.For(env), raw)
}

// Subscribe opens one NATS subscription per pattern; they share a single
// output channel and close together.
func (b *NATSBus) Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, fmt.Errorf("nats bus is not connected")
	}
	var natsSubs []natsSubscription
	sub := newSubscription(filter, func() {
		for _, s := range natsSubs {
			_ = s.Unsubscribe()
		}
	})
	for _, pattern := range b.subjects.Patterns(filter) {
		s, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) { sub.deliverRaw(msg.Data) })
		if err != nil {
			sub.close()
			return nil, nil, fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		natsSubs = append(natsSubs, s)
	}
	sub.closeWith(ctx)
	return sub.out, sub.close, nil
}

func (b *NATSBus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a natsConnAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, handler)
}

// Close drains so in-flight notifications reach their subscribers.
func (a natsConnAdapter) Close() error {
	if err := a.Conn.Drain(); err != nil {
		a.Conn.Close()
		return err
	}
	return nil
}
