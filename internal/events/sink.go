package events

import (
	"context"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

// BusSink publishes notifications onto a bus.
type BusSink struct {
	bus    Bus
	source string
}

func NewBusSink(bus Bus, source string) *BusSink {
	if source == "" {
		source = "kanban-automator"
	}
	return &BusSink{bus: bus, source: source}
}

func (s *BusSink) Emit(ctx context.Context, event contracts.Event) error {
	if s == nil || s.bus == nil {
		return nil
	}
	env, err := NewEnvelope(s.source, event)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, env)
}
