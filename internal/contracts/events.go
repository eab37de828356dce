package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeTaskStart         EventType = "task_start"
	EventTypeTaskComplete      EventType = "task_complete"
	EventTypeTaskError         EventType = "task_error"
	EventTypeReviewRequest     EventType = "review_request"
	EventTypeFeedbackComplete  EventType = "feedback_complete"
	EventTypeSystemInfo        EventType = "system_info"
	EventTypeTaskUpdate        EventType = "task_update"
	EventTypeExecutionProgress EventType = "execution_progress"
)

// Persistent reports whether events of this type belong in the notification
// history rather than only on the live stream.
func (t EventType) Persistent() bool {
	switch t {
	case EventTypeTaskUpdate, EventTypeExecutionProgress:
		return false
	}
	return true
}

func ParseEventType(raw string) (EventType, error) {
	eventType := EventType(strings.ToLower(strings.TrimSpace(raw)))
	switch eventType {
	case EventTypeTaskStart, EventTypeTaskComplete, EventTypeTaskError, EventTypeReviewRequest,
		EventTypeFeedbackComplete, EventTypeSystemInfo, EventTypeTaskUpdate, EventTypeExecutionProgress:
		return eventType, nil
	}
	return "", fmt.Errorf("unsupported event type %q", raw)
}

type EventPriority string

const (
	EventPriorityLow    EventPriority = "low"
	EventPriorityMedium EventPriority = "medium"
	EventPriorityHigh   EventPriority = "high"
)

type Event struct {
	Type        EventType         `json:"type"`
	TaskID      string            `json:"task_id,omitempty"`
	TaskTitle   string            `json:"task_title,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	FromStatus  TaskStatus        `json:"from_status,omitempty"`
	ToStatus    TaskStatus        `json:"to_status,omitempty"`
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message,omitempty"`
	Priority    EventPriority     `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// EventSink receives notifications. Callers treat sinks as best effort.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

type EventSinkFunc func(ctx context.Context, event Event) error

func (fn EventSinkFunc) Emit(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// FanoutSink delivers every event to each sink and joins their errors.
type FanoutSink []EventSink

func (f FanoutSink) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func MarshalEventJSONL(event Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(payload) + "\n", nil
}

// StatusChangeEvent builds the notification for a task status transition.
func StatusChangeEvent(task Task, from TaskStatus, to TaskStatus, executionID string) Event {
	event := Event{
		TaskID:      task.ID,
		TaskTitle:   task.Title,
		ExecutionID: executionID,
		FromStatus:  from,
		ToStatus:    to,
		Priority:    EventPriorityMedium,
		Timestamp:   time.Now().UTC(),
	}
	switch to {
	case TaskStatusWorking:
		event.Type = EventTypeTaskStart
		event.Title = "Task started"
		event.Message = "Started working on \"" + task.Title + "\""
	case TaskStatusReview:
		event.Type = EventTypeReviewRequest
		event.Title = "Review requested"
		event.Message = "\"" + task.Title + "\" is ready for review"
		event.Priority = EventPriorityHigh
	case TaskStatusCompleted:
		event.Type = EventTypeTaskComplete
		event.Title = "Task completed"
		event.Message = "\"" + task.Title + "\" was completed"
	default:
		event.Type = EventTypeTaskUpdate
		event.Title = "Task status changed"
		event.Message = "\"" + task.Title + "\" moved from " + string(from) + " to " + string(to)
	}
	return event
}
