package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrNotEligible         = errors.New("task is not eligible for execution")
	ErrCapacityExceeded    = errors.New("maximum concurrent tasks reached")
	ErrAlreadyRunning      = errors.New("task is already running")
	ErrNoRunningExecution  = errors.New("no running execution for task")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrStatusConflict      = errors.New("status changed concurrently")
	ErrFeedbackRequired    = errors.New("feedback content is required")
	ErrTaskNotArchived     = errors.New("task must be archived before permanent deletion")
	ErrTaskWorking         = errors.New("working tasks cannot be archived")
	ErrWorkerNotConfigured = errors.New("worker command is not configured")
)

// SpawnError reports that the worker process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start worker %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the worker exceeded its hard timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker timed out after %s", e.After)
}

// NonZeroExitError carries the worker exit code and its stderr.
type NonZeroExitError struct {
	Code   int
	Stderr string
}

func (e *NonZeroExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("worker exited with code %d", e.Code)
	}
	return fmt.Sprintf("worker exited with code %d: %s", e.Code, stderr)
}

// EmptyOutputError reports a clean exit that produced nothing usable.
type EmptyOutputError struct {
	Sentinel string
}

func (e *EmptyOutputError) Error() string {
	if e.Sentinel != "" {
		return fmt.Sprintf("worker output did not contain success marker %q", e.Sentinel)
	}
	return "worker exited successfully but produced no output"
}

// IsWorkerFailure reports whether err is one of the failures that consume
// the retry budget.
func IsWorkerFailure(err error) bool {
	var spawnErr *SpawnError
	var timeoutErr *TimeoutError
	var exitErr *NonZeroExitError
	var emptyErr *EmptyOutputError
	return errors.As(err, &spawnErr) || errors.As(err, &timeoutErr) || errors.As(err, &exitErr) || errors.As(err, &emptyErr)
}
