package contracts

import (
	"context"
	"time"
)

// TaskStore owns task rows. Status changes are conditional on the expected
// prior status and report whether they applied.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error)
	TransitionTask(ctx context.Context, id string, from TaskStatus, to TaskStatus) (bool, error)
}

// ExecutionStore is pure data access for execution attempts.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution Execution) (Execution, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	LatestExecution(ctx context.Context, taskID string) (Execution, bool, error)
	RunningExecution(ctx context.Context, taskID string) (Execution, bool, error)
	ListRunningExecutions(ctx context.Context) ([]Execution, error)
	TouchExecution(ctx context.Context, id string, at time.Time) error
	CompleteExecution(ctx context.Context, id string, opts CompleteOptions) (bool, error)
	FailExecution(ctx context.Context, id string, opts FailOptions) (Execution, bool, error)
	PauseExecution(ctx context.Context, id string) (bool, error)
}

type FeedbackSource interface {
	ListUnaddressedFeedback(ctx context.Context, taskID string) ([]Feedback, error)
	MarkFeedbackAddressed(ctx context.Context, ids []string, version int) error
}

type AttachmentSource interface {
	ListAttachments(ctx context.Context, taskID string) ([]Attachment, error)
}

type OutputRecorder interface {
	RecordOutputFiles(ctx context.Context, files []OutputFile) error
}

// Settings are the runtime-tunable knobs read on every tick, sweep and attempt.
type Settings struct {
	MaxConcurrentTasks int
	RetryLimit         int
	WatchdogEnabled    bool
	StaleAfter         time.Duration
	CustomPrompt       string
}

type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

type StaticSettings Settings

func (s StaticSettings) Settings(context.Context) (Settings, error) {
	return Settings(s), nil
}
