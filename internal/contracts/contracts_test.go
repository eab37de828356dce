package contracts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskTransitionsFollowReviewLifecycle(t *testing.T) {
	allowed := [][2]TaskStatus{
		{TaskStatusPending, TaskStatusRequested},
		{TaskStatusRequested, TaskStatusWorking},
		{TaskStatusWorking, TaskStatusReview},
		{TaskStatusWorking, TaskStatusRequested},
		{TaskStatusWorking, TaskStatusPending},
		{TaskStatusReview, TaskStatusCompleted},
		{TaskStatusReview, TaskStatusRequested},
	}
	for _, pair := range allowed {
		if err := ValidateTaskTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected %s -> %s to be allowed: %v", pair[0], pair[1], err)
		}
	}

	rejected := [][2]TaskStatus{
		{TaskStatusPending, TaskStatusWorking},
		{TaskStatusReview, TaskStatusWorking},
		{TaskStatusCompleted, TaskStatusRequested},
		{TaskStatusPending, TaskStatusReview},
	}
	for _, pair := range rejected {
		err := ValidateTaskTransition(pair[0], pair[1])
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected %s -> %s to be rejected, got %v", pair[0], pair[1], err)
		}
	}
}

func TestWorkingTasksCannotBeArchived(t *testing.T) {
	if CanArchive(TaskStatusWorking) {
		t.Fatalf("expected working tasks to be protected from archive")
	}
	for _, status := range []TaskStatus{TaskStatusPending, TaskStatusRequested, TaskStatusReview, TaskStatusCompleted} {
		if !CanArchive(status) {
			t.Fatalf("expected %s to be archivable", status)
		}
	}
}

func TestExecutionTransitionsOnlyLeaveRunning(t *testing.T) {
	if err := ValidateExecutionTransition(ExecutionStatusRunning, ExecutionStatusPaused); err != nil {
		t.Fatalf("expected pause from running: %v", err)
	}
	if err := ValidateExecutionTransition(ExecutionStatusFailed, ExecutionStatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal executions to stay terminal, got %v", err)
	}
	if err := ValidateExecutionTransition(ExecutionStatusPaused, ExecutionStatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected paused executions not to resume, got %v", err)
	}
}

func TestPriorityRankOrdersHighFirst(t *testing.T) {
	if !(PriorityHigh.Rank() < PriorityMedium.Rank() && PriorityMedium.Rank() < PriorityLow.Rank()) {
		t.Fatalf("unexpected priority ranks")
	}
	parsed, err := ParsePriority("")
	if err != nil || parsed != PriorityMedium {
		t.Fatalf("expected empty priority to default to medium, got %q (%v)", parsed, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected unknown priority to fail")
	}
}

func TestLastSignalPrefersHeartbeat(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exec := Execution{StartedAt: started}
	if !exec.LastSignal().Equal(started) {
		t.Fatalf("expected start time without heartbeat")
	}
	beat := started.Add(3 * time.Minute)
	exec.LastActivityAt = &beat
	if !exec.LastSignal().Equal(beat) {
		t.Fatalf("expected heartbeat to win, got %v", exec.LastSignal())
	}
}

func TestWorkerFailureClassification(t *testing.T) {
	failures := []error{
		&SpawnError{Command: "claude", Err: errors.New("not found")},
		&TimeoutError{After: 5 * time.Minute},
		&NonZeroExitError{Code: 2, Stderr: "boom"},
		&EmptyOutputError{},
	}
	for _, err := range failures {
		if !IsWorkerFailure(err) {
			t.Fatalf("expected %T to count as worker failure", err)
		}
	}
	if IsWorkerFailure(errors.New("database is locked")) {
		t.Fatalf("expected storage errors not to count as worker failures")
	}
	exitErr := &NonZeroExitError{Code: 1, Stderr: "  permission denied\n"}
	if exitErr.Error() != "worker exited with code 1: permission denied" {
		t.Fatalf("unexpected message %q", exitErr.Error())
	}
}

func TestFanoutSinkDeliversToEverySinkAndJoinsErrors(t *testing.T) {
	var got []EventType
	ok := EventSinkFunc(func(_ context.Context, event Event) error {
		got = append(got, event.Type)
		return nil
	})
	failing := EventSinkFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	})

	err := FanoutSink{ok, failing, nil, ok}.Emit(context.Background(), Event{Type: EventTypeSystemInfo})
	if err == nil || err.Error() != "sink down" {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both healthy sinks to receive the event, got %d", len(got))
	}
}

func TestStatusChangeEventTypes(t *testing.T) {
	task := Task{ID: "T-1", Title: "Write docs"}
	cases := map[TaskStatus]EventType{
		TaskStatusWorking:   EventTypeTaskStart,
		TaskStatusReview:    EventTypeReviewRequest,
		TaskStatusCompleted: EventTypeTaskComplete,
		TaskStatusRequested: EventTypeTaskUpdate,
	}
	for to, want := range cases {
		event := StatusChangeEvent(task, TaskStatusPending, to, "exec-1")
		if event.Type != want {
			t.Fatalf("expected %s for %s, got %s", want, to, event.Type)
		}
		if event.TaskID != "T-1" || event.ExecutionID != "exec-1" {
			t.Fatalf("unexpected event identity %#v", event)
		}
	}
	if StatusChangeEvent(task, TaskStatusWorking, TaskStatusReview, "").Priority != EventPriorityHigh {
		t.Fatalf("expected review requests to be high priority")
	}
}
