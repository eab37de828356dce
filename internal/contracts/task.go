package contracts

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRequested TaskStatus = "requested"
	TaskStatusWorking   TaskStatus = "working"
	TaskStatusReview    TaskStatus = "review"
	TaskStatusCompleted TaskStatus = "completed"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for scheduling; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("unsupported priority %q", raw)
}

func ParseTaskStatus(raw string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case TaskStatusPending, TaskStatusRequested, TaskStatusWorking, TaskStatusReview, TaskStatusCompleted:
		return status, nil
	}
	return "", fmt.Errorf("unsupported task status %q", raw)
}

type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Priority       Priority   `json:"priority"`
	Status         TaskStatus `json:"status"`
	Version        int        `json:"version"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	EstimatedHours *float64   `json:"estimated_hours,omitempty"`
	IsArchived     bool       `json:"is_archived"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsRework reports whether the task came back from review with feedback.
func (t Task) IsRework() bool {
	return t.Version > 1
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusRequested},
	TaskStatusRequested: {TaskStatusWorking, TaskStatusPending},
	TaskStatusWorking:   {TaskStatusReview, TaskStatusRequested, TaskStatusPending},
	TaskStatusReview:    {TaskStatusCompleted, TaskStatusRequested},
	TaskStatusCompleted: {},
}

func CanTransitionTask(from TaskStatus, to TaskStatus) bool {
	for _, candidate := range taskTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func ValidateTaskTransition(from TaskStatus, to TaskStatus) error {
	if CanTransitionTask(from, to) {
		return nil
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}

// CanArchive reports whether a task in the given status may be soft deleted.
func CanArchive(status TaskStatus) bool {
	return status != TaskStatusWorking
}
