package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

const SchemaVersion = "1"

// Envelope is the wire form of a notification event.
type Envelope struct {
	SchemaVersion string              `json:"schema_version"`
	Type          contracts.EventType `json:"type"`
	Source        string              `json:"source"`
	TaskID        string              `json:"task_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
}

func NewEnvelope(source string, event contracts.Event) (Envelope, error) {
	if event.Type == "" {
		return Envelope{}, fmt.Errorf("event type is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          event.Type,
		Source:        strings.TrimSpace(source),
		TaskID:        event.TaskID,
		Timestamp:     event.Timestamp.UTC(),
		Payload:       raw,
	}, nil
}

// Event decodes the notification carried by the envelope.
func (e Envelope) Event() (contracts.Event, error) {
	var event contracts.Event
	if len(e.Payload) == 0 {
		return contracts.Event{Type: e.Type, TaskID: e.TaskID, Timestamp: e.Timestamp}, nil
	}
	if err := json.Unmarshal(e.Payload, &event); err != nil {
		return contracts.Event{}, fmt.Errorf("decode payload: %w", err)
	}
	return event, nil
}

func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing event type")
	}
	if strings.TrimSpace(env.SchemaVersion) == "" {
		env.SchemaVersion = SchemaVersion
	}
	return env, nil
}
