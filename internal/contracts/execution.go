package contracts

import (
	"fmt"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ValidateExecutionTransition allows only the moves out of running; every
// other status is final.
func ValidateExecutionTransition(from ExecutionStatus, to ExecutionStatus) error {
	if from == ExecutionStatusRunning && (to == ExecutionStatusCompleted || to == ExecutionStatusFailed || to == ExecutionStatusPaused) {
		return nil
	}
	return fmt.Errorf("%w: execution %s -> %s", ErrInvalidTransition, from, to)
}

type Execution struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	Version        int             `json:"version"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastActivityAt *time.Time      `json:"last_activity_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Logs           string          `json:"logs,omitempty"`
	OutputPath     string          `json:"output_path,omitempty"`
}

// LastSignal is the most recent sign of life: the heartbeat when present,
// otherwise the start time.
func (e Execution) LastSignal() time.Time {
	if e.LastActivityAt != nil && e.LastActivityAt.After(e.StartedAt) {
		return *e.LastActivityAt
	}
	return e.StartedAt
}

// FailOptions describes a running -> failed transition.
type FailOptions struct {
	Message string
	Logs    string
	// CountAttempt increments retry_count when set.
	CountAttempt bool
}

// CompleteOptions describes a running -> completed transition.
type CompleteOptions struct {
	Logs       string
	OutputPath string
}

type Feedback struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	Content          string    `json:"content"`
	Addressed        bool      `json:"addressed"`
	AddressedVersion *int      `json:"addressed_version,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type Attachment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type OutputFile struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ExecutionID string    `json:"execution_id"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// StuckTask is a running execution that stopped reporting activity.
type StuckTask struct {
	Execution    Execution `json:"execution"`
	TaskTitle    string    `json:"task_title"`
	Priority     Priority  `json:"priority"`
	MinutesStuck int       `json:"minutes_stuck"`
}
