package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (r *recordingSink) Emit(_ context.Context, event contracts.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) ofType(eventType contracts.EventType) []contracts.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type harness struct {
	store    *store.Store
	executor *Executor
	sink     *recordingSink
	root     string
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// lockedTasks fails one task transition the way a busy sqlite file does.
type lockedTasks struct {
	contracts.TaskStore
	from contracts.TaskStatus
	to   contracts.TaskStatus

	mu    sync.Mutex
	calls int
}

func (l *lockedTasks) TransitionTask(ctx context.Context, id string, from contracts.TaskStatus, to contracts.TaskStatus) (bool, error) {
	if from == l.from && to == l.to {
		l.mu.Lock()
		l.calls++
		l.mu.Unlock()
		return false, errors.New("database is locked")
	}
	return l.TaskStore.TransitionTask(ctx, id, from, to)
}

func (l *lockedTasks) attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func newHarness(t *testing.T, worker WorkerConfig, settings contracts.Settings) *harness {
	t.Helper()
	return newHarnessWith(t, worker, settings, nil)
}

// newHarnessWith lets a test wrap the task store the executor sees; the
// harness helpers keep reading the real store.
func newHarnessWith(t *testing.T, worker WorkerConfig, settings contracts.Settings, wrap func(contracts.TaskStore) contracts.TaskStore) *harness {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if settings.RetryLimit == 0 {
		settings.RetryLimit = 3
	}
	sink := &recordingSink{}
	root := t.TempDir()
	var tasks contracts.TaskStore = s
	if wrap != nil {
		tasks = wrap(s)
	}
	exec, err := New(Dependencies{
		Tasks:       tasks,
		Executions:  s,
		Feedback:    s,
		Attachments: s,
		Outputs:     s,
		Settings:    contracts.StaticSettings(settings),
		Sink:        sink,
	}, NewWorkspace(root), worker)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(exec.Wait)
	return &harness{store: s, executor: exec, sink: sink, root: root}
}

func (h *harness) requestedTask(t *testing.T, title string) contracts.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, store.NewTask{Title: title, Description: "details for " + title})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = h.store.RequestTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("request task: %v", err)
	}
	return task
}

func (h *harness) task(t *testing.T, id string) contracts.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (h *harness) latest(t *testing.T, taskID string) contracts.Execution {
	t.Helper()
	execution, found, err := h.store.LatestExecution(context.Background(), taskID)
	if err != nil || !found {
		t.Fatalf("latest execution: found=%v err=%v", found, err)
	}
	return execution
}

// waitForHeartbeat blocks until the task's running execution has reported
// output at least once.
func (h *harness) waitForHeartbeat(t *testing.T, taskID string) contracts.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execution, found, err := h.store.RunningExecution(context.Background(), taskID)
		if err == nil && found && execution.LastActivityAt != nil {
			return execution
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a heartbeat on %s", taskID)
	return contracts.Execution{}
}

func TestExecuteTaskSuccessMovesTaskToReview(t *testing.T) {
	script := writeScript(t, `test -s "$1" || exit 3
echo "deliverable" > result.txt
echo "done: wrote result.txt"
`)
	h := newHarness(t, WorkerConfig{Command: script}, contracts.Settings{MaxConcurrentTasks: 3})
	task := h.requestedTask(t, "Write a haiku")

	if err := h.executor.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusReview {
		t.Fatalf("expected review, got %s", got)
	}
	execution := h.latest(t, task.ID)
	if execution.Status != contracts.ExecutionStatusCompleted || execution.CompletedAt == nil || execution.RetryCount != 0 {
		t.Fatalf("unexpected execution %#v", execution)
	}
	if !strings.HasPrefix(filepath.Base(execution.OutputPath), "worker_output_") {
		t.Fatalf("expected transcript path, got %q", execution.OutputPath)
	}
	if transcript, err := os.ReadFile(execution.OutputPath); err != nil || !strings.Contains(string(transcript), "done: wrote result.txt") {
		t.Fatalf("unexpected transcript %q (%v)", transcript, err)
	}

	outputs, err := h.store.ListOutputFiles(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Name != "result.txt" || outputs[0].ExecutionID != execution.ID {
		t.Fatalf("expected exactly result.txt, got %#v", outputs)
	}
	if h.executor.IsTaskRunning(task.ID) || h.executor.RunningTaskCount() != 0 {
		t.Fatalf("expected registry entry to be released")
	}
	if len(h.sink.ofType(contracts.EventTypeTaskStart)) != 1 || len(h.sink.ofType(contracts.EventTypeReviewRequest)) != 1 {
		t.Fatalf("expected start and review notifications, got %#v", h.sink.events)
	}
	if len(h.sink.ofType(contracts.EventTypeExecutionProgress)) == 0 {
		t.Fatalf("expected streamed progress")
	}
}

func TestExecuteTaskFailuresRetryThenReturnToPending(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 1\n")
	h := newHarness(t, WorkerConfig{Command: script}, contracts.Settings{RetryLimit: 3})
	task := h.requestedTask(t, "Flaky task")
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		err := h.executor.ExecuteTask(ctx, h.task(t, task.ID))
		var exitErr *contracts.NonZeroExitError
		if !errors.As(err, &exitErr) || exitErr.Code != 1 {
			t.Fatalf("attempt %d: expected exit error, got %v", attempt, err)
		}
		execution := h.latest(t, task.ID)
		if execution.Status != contracts.ExecutionStatusFailed || execution.RetryCount != attempt {
			t.Fatalf("attempt %d: unexpected execution %#v", attempt, execution)
		}
		if !strings.Contains(execution.ErrorMessage, "boom") {
			t.Fatalf("attempt %d: expected stderr in error, got %q", attempt, execution.ErrorMessage)
		}
		want := contracts.TaskStatusRequested
		if attempt == 3 {
			want = contracts.TaskStatusPending
		}
		if got := h.task(t, task.ID).Status; got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}

	errorsSeen := h.sink.ofType(contracts.EventTypeTaskError)
	if len(errorsSeen) != 1 || errorsSeen[0].Metadata["retry_count"] != "3" {
		t.Fatalf("expected one exhaustion notification, got %#v", errorsSeen)
	}
	history, err := h.store.ListExecutions(ctx, task.ID)
	if err != nil || len(history) != 3 {
		t.Fatalf("expected three executions, got %d (%v)", len(history), err)
	}
}

func TestExecuteTaskRetryCountResetsForNewVersion(t *testing.T) {
	script := writeScript(t, "exit 2\n")
	h := newHarness(t, WorkerConfig{Command: script}, contracts.Settings{RetryLimit: 3})
	task := h.requestedTask(t, "Version bump")
	ctx := context.Background()

	_ = h.executor.ExecuteTask(ctx, task)
	if got := h.latest(t, task.ID).RetryCount; got != 1 {
		t.Fatalf("expected first failure to count, got %d", got)
	}
	if err := h.store.DB().Exec("UPDATE tasks SET version = 2 WHERE id = ?", task.ID).Error; err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = h.executor.ExecuteTask(ctx, h.task(t, task.ID))
	execution := h.latest(t, task.ID)
	if execution.Version != 2 || execution.RetryCount != 1 {
		t.Fatalf("expected a fresh counter for version 2, got %#v", execution)
	}
}

func TestExecuteTaskReworkArchivesAndAddressesFeedback(t *testing.T) {
	script := writeScript(t, `echo "$KANBAN_EXECUTION_ID" > result.txt
cat "$1"
`)
	h := newHarness(t, WorkerConfig{Command: script}, contracts.Settings{})
	task := h.requestedTask(t, "Landing page")
	ctx := context.Background()

	if err := h.executor.ExecuteTask(ctx, task); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := h.latest(t, task.ID)
	reworked, fb, err := h.store.RejectTask(ctx, task.ID, "make the headline shorter")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if reworked.Version != 2 || reworked.Status != contracts.TaskStatusRequested {
		t.Fatalf("unexpected reworked task %#v", reworked)
	}

	if err := h.executor.ExecuteTask(ctx, reworked); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := h.latest(t, task.ID)
	transcript, err := os.ReadFile(second.OutputPath)
	if err != nil || !strings.Contains(string(transcript), "make the headline shorter") {
		t.Fatalf("expected feedback in prompt, got %q (%v)", transcript, err)
	}

	archives, err := filepath.Glob(filepath.Join(h.root, task.ID, ".archive", "v1-*", "result.txt"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("expected archived v1 result, got %v (%v)", archives, err)
	}
	if content, _ := os.ReadFile(archives[0]); strings.TrimSpace(string(content)) != first.ID {
		t.Fatalf("archived file should hold v1 output, got %q", content)
	}

	open, err := h.store.ListUnaddressedFeedback(ctx, task.ID)
	if err != nil || len(open) != 0 {
		t.Fatalf("expected feedback to be addressed, got %#v (%v)", open, err)
	}
	all, _ := h.store.ListFeedback(ctx, task.ID)
	if len(all) != 1 || all[0].ID != fb.ID || all[0].AddressedVersion == nil || *all[0].AddressedVersion != 2 {
		t.Fatalf("unexpected feedback rows %#v", all)
	}
	if len(h.sink.ofType(contracts.EventTypeFeedbackComplete)) != 1 {
		t.Fatalf("expected a feedback_complete notification")
	}
}

func TestExecuteTaskRejectsTasksThatAreNotRequested(t *testing.T) {
	h := newHarness(t, WorkerConfig{Command: writeScript(t, "echo hi\n")}, contracts.Settings{})
	task, err := h.store.CreateTask(context.Background(), store.NewTask{Title: "Still pending"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.executor.ExecuteTask(context.Background(), task); !errors.Is(err, contracts.ErrNotEligible) {
		t.Fatalf("expected not eligible, got %v", err)
	}
	if _, found, _ := h.store.LatestExecution(context.Background(), task.ID); found {
		t.Fatalf("no execution should be created")
	}
}

func TestWorkerOutcomesAreClassified(t *testing.T) {
	cases := []struct {
		name   string
		worker func(t *testing.T) WorkerConfig
		check  func(t *testing.T, err error)
	}{
		{
			name:   "empty output",
			worker: func(t *testing.T) WorkerConfig { return WorkerConfig{Command: writeScript(t, "exit 0\n")} },
			check: func(t *testing.T, err error) {
				var target *contracts.EmptyOutputError
				if !errors.As(err, &target) {
					t.Fatalf("expected empty output error, got %v", err)
				}
			},
		},
		{
			name: "missing sentinel",
			worker: func(t *testing.T) WorkerConfig {
				return WorkerConfig{Command: writeScript(t, "echo almost\n"), SuccessSentinel: "TASK_DONE"}
			},
			check: func(t *testing.T, err error) {
				var target *contracts.EmptyOutputError
				if !errors.As(err, &target) || target.Sentinel != "TASK_DONE" {
					t.Fatalf("expected sentinel failure, got %v", err)
				}
			},
		},
		{
			name: "timeout",
			worker: func(t *testing.T) WorkerConfig {
				return WorkerConfig{Command: writeScript(t, "echo begin\nexec sleep 5\n"), Timeout: 300 * time.Millisecond, KillGrace: 100 * time.Millisecond}
			},
			check: func(t *testing.T, err error) {
				var target *contracts.TimeoutError
				if !errors.As(err, &target) || target.After != 300*time.Millisecond {
					t.Fatalf("expected timeout, got %v", err)
				}
			},
		},
		{
			name:   "spawn failure",
			worker: func(t *testing.T) WorkerConfig { return WorkerConfig{Command: filepath.Join(t.TempDir(), "missing-worker")} },
			check: func(t *testing.T, err error) {
				var target *contracts.SpawnError
				if !errors.As(err, &target) {
					t.Fatalf("expected spawn error, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.worker(t), contracts.Settings{})
			task := h.requestedTask(t, tc.name)
			err := h.executor.ExecuteTask(context.Background(), task)
			tc.check(t, err)
			if !contracts.IsWorkerFailure(err) {
				t.Fatalf("expected a worker failure, got %v", err)
			}
			if got := h.task(t, task.ID).Status; got != contracts.TaskStatusRequested {
				t.Fatalf("expected task back in requested, got %s", got)
			}
			if execution := h.latest(t, task.ID); execution.Status != contracts.ExecutionStatusFailed || execution.RetryCount != 1 {
				t.Fatalf("unexpected execution %#v", execution)
			}
		})
	}
}

func TestSentinelSuccessAndStdinPrompt(t *testing.T) {
	h := newHarness(t, WorkerConfig{
		Command:         "/bin/sh",
		Args:            []string{"-c", `cat; echo "task=$CLAUDE_CODE_TASK_ID"; echo TASK_DONE`},
		PromptMode:      PromptModeStdin,
		SuccessSentinel: "TASK_DONE",
	}, contracts.Settings{CustomPrompt: "Reply in English."})
	task := h.requestedTask(t, "Stdin worker")

	if err := h.executor.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	transcript, err := os.ReadFile(h.latest(t, task.ID).OutputPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	for _, want := range []string{"# Task: Stdin worker", "Reply in English.", "task=" + task.ID} {
		if !strings.Contains(string(transcript), want) {
			t.Fatalf("expected %q in transcript:\n%s", want, transcript)
		}
	}
}

func TestStartEnforcesAdmission(t *testing.T) {
	script := writeScript(t, "echo started\nexec sleep 5\n")
	h := newHarness(t, WorkerConfig{Command: script, KillGrace: 100 * time.Millisecond}, contracts.Settings{MaxConcurrentTasks: 1})
	first := h.requestedTask(t, "First")
	second := h.requestedTask(t, "Second")
	ctx := context.Background()

	if err := h.executor.Start(ctx, first); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := h.executor.Start(ctx, first); !errors.Is(err, contracts.ErrAlreadyRunning) {
		t.Fatalf("expected duplicate start to fail, got %v", err)
	}
	if err := h.executor.Start(ctx, second); !errors.Is(err, contracts.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	h.waitForHeartbeat(t, first.ID)
	if ids := h.executor.RunningTaskIDs(); len(ids) != 1 || ids[0] != first.ID {
		t.Fatalf("unexpected running ids %v", ids)
	}

	if _, err := h.executor.PauseTask(ctx, first.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	h.executor.Wait()
	if got := h.task(t, second.ID).Status; got != contracts.TaskStatusRequested {
		t.Fatalf("rejected admission must not touch the task, got %s", got)
	}
}

func TestPauseTaskKeepsEntryUntilWorkerExits(t *testing.T) {
	script := writeScript(t, "trap '' TERM\necho started\nwhile :; do sleep 0.05; done\n")
	h := newHarness(t, WorkerConfig{Command: script, KillGrace: 300 * time.Millisecond}, contracts.Settings{})
	task := h.requestedTask(t, "Pause me")
	ctx := context.Background()

	if err := h.executor.Start(ctx, task); err != nil {
		t.Fatalf("start: %v", err)
	}
	running := h.waitForHeartbeat(t, task.ID)

	paused, err := h.executor.PauseTask(ctx, task.ID)
	if err != nil || !paused {
		t.Fatalf("expected pause to apply, got %v %v", paused, err)
	}
	if !h.executor.IsTaskRunning(task.ID) {
		t.Fatalf("entry must stay registered while the worker is still alive")
	}
	if err := h.executor.Start(ctx, h.task(t, task.ID)); !errors.Is(err, contracts.ErrAlreadyRunning) {
		t.Fatalf("expected readmission to be refused while stopping, got %v", err)
	}
	if again, err := h.executor.PauseTask(ctx, task.ID); err != nil || again {
		t.Fatalf("pause of a stopping task should be a no-op, got %v %v", again, err)
	}
	h.executor.Wait()

	if h.executor.IsTaskRunning(task.ID) {
		t.Fatalf("expected entry released once the worker exited")
	}
	execution, err := h.store.GetExecution(ctx, running.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if execution.Status != contracts.ExecutionStatusPaused || execution.RetryCount != 0 {
		t.Fatalf("unexpected execution %#v", execution)
	}
	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if again, err := h.executor.PauseTask(ctx, task.ID); err != nil || again {
		t.Fatalf("second pause should be a no-op, got %v %v", again, err)
	}
}

func TestPauseBeforeExecutionCreatedReturnsTaskToPending(t *testing.T) {
	script := writeScript(t, "echo never\n")
	h := newHarness(t, WorkerConfig{Command: script}, contracts.Settings{})
	task := h.requestedTask(t, "Paused early")
	ctx := context.Background()

	handle, err := h.executor.registry.Reserve(task.ID, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if paused, err := h.executor.PauseTask(ctx, task.ID); err != nil || !paused {
		t.Fatalf("expected pause to claim the entry, got %v %v", paused, err)
	}
	if err := h.executor.run(ctx, task, handle, contracts.Settings{RetryLimit: 3}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if _, found, err := h.store.LatestExecution(ctx, task.ID); err != nil || found {
		t.Fatalf("expected no execution row, found=%v err=%v", found, err)
	}
	updates := h.sink.ofType(contracts.EventTypeTaskUpdate)
	if len(updates) != 1 || updates[0].ToStatus != contracts.TaskStatusPending {
		t.Fatalf("expected one update to pending, got %#v", updates)
	}
	if h.executor.IsTaskRunning(task.ID) {
		t.Fatalf("expected entry released")
	}
}

func TestTimeoutEscalatesToKillAfterSlowNotice(t *testing.T) {
	script := writeScript(t, "trap '' TERM\necho started\nwhile :; do sleep 0.05; done\n")
	worker := WorkerConfig{
		Command:   script,
		Timeout:   400 * time.Millisecond,
		KillGrace: 200 * time.Millisecond,
		SlowAfter: 100 * time.Millisecond,
	}
	h := newHarness(t, worker, contracts.Settings{RetryLimit: 3})
	task := h.requestedTask(t, "Stubborn")

	started := time.Now()
	err := h.executor.ExecuteTask(context.Background(), task)
	elapsed := time.Since(started)

	var timeout *contracts.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed < worker.Timeout+worker.KillGrace {
		t.Fatalf("worker ignoring TERM must survive until the kill, took %s", elapsed)
	}
	if notices := h.sink.ofType(contracts.EventTypeSystemInfo); len(notices) != 1 {
		t.Fatalf("expected exactly one slow notice, got %d", len(notices))
	}
	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusRequested {
		t.Fatalf("expected requested for retry, got %s", got)
	}
	execution := h.latest(t, task.ID)
	if execution.Status != contracts.ExecutionStatusFailed || execution.RetryCount != 1 {
		t.Fatalf("unexpected execution %#v", execution)
	}
	if h.executor.RunningTaskCount() != 0 {
		t.Fatalf("expected registry to be empty")
	}
}

func TestLockedReviewTransitionFallsBackToPending(t *testing.T) {
	script := writeScript(t, "echo done\n")
	var locked *lockedTasks
	h := newHarnessWith(t, WorkerConfig{Command: script}, contracts.Settings{}, func(tasks contracts.TaskStore) contracts.TaskStore {
		locked = &lockedTasks{TaskStore: tasks, from: contracts.TaskStatusWorking, to: contracts.TaskStatusReview}
		return locked
	})
	task := h.requestedTask(t, "Unlucky")
	ctx := context.Background()

	if err := h.executor.ExecuteTask(ctx, task); err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("expected the transition error, got %v", err)
	}
	if got := locked.attempts(); got != transitionAttempts {
		t.Fatalf("expected %d tries, got %d", transitionAttempts, got)
	}
	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusPending {
		t.Fatalf("task must not stay working, got %s", got)
	}
	if _, found, err := h.store.RunningExecution(ctx, task.ID); err != nil || found {
		t.Fatalf("expected no running execution, found=%v err=%v", found, err)
	}
	if execution := h.latest(t, task.ID); execution.Status != contracts.ExecutionStatusCompleted {
		t.Fatalf("expected completed execution to stand, got %s", execution.Status)
	}
	if errs := h.sink.ofType(contracts.EventTypeTaskError); len(errs) != 1 {
		t.Fatalf("expected one task_error, got %d", len(errs))
	}
}

func TestLockedRetryTransitionFallsBackToPending(t *testing.T) {
	script := writeScript(t, "exit 2\n")
	h := newHarnessWith(t, WorkerConfig{Command: script}, contracts.Settings{RetryLimit: 3}, func(tasks contracts.TaskStore) contracts.TaskStore {
		return &lockedTasks{TaskStore: tasks, from: contracts.TaskStatusWorking, to: contracts.TaskStatusRequested}
	})
	task := h.requestedTask(t, "Unlucky retry")
	ctx := context.Background()

	if err := h.executor.ExecuteTask(ctx, task); err == nil {
		t.Fatalf("expected an error")
	}
	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusPending {
		t.Fatalf("task must not stay working, got %s", got)
	}
	if execution := h.latest(t, task.ID); execution.Status != contracts.ExecutionStatusFailed || execution.RetryCount != 1 {
		t.Fatalf("abort must not count the attempt twice, got %#v", execution)
	}
}

func TestAttemptDefersToExternalResolution(t *testing.T) {
	script := writeScript(t, "echo working\nsleep 1\necho late > late.txt\necho finished\n")
	h := newHarness(t, WorkerConfig{Command: script}, contracts.Settings{})
	task := h.requestedTask(t, "Resolved elsewhere")
	ctx := context.Background()

	if err := h.executor.Start(ctx, task); err != nil {
		t.Fatalf("start: %v", err)
	}
	running := h.waitForHeartbeat(t, task.ID)
	if _, applied, err := h.store.FailExecution(ctx, running.ID, contracts.FailOptions{Message: "no heartbeat", CountAttempt: true}); err != nil || !applied {
		t.Fatalf("external fail: %v %v", applied, err)
	}
	if _, err := h.store.TransitionTask(ctx, task.ID, contracts.TaskStatusWorking, contracts.TaskStatusRequested); err != nil {
		t.Fatalf("external transition: %v", err)
	}
	h.executor.Wait()

	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusRequested {
		t.Fatalf("attempt must not override the external decision, got %s", got)
	}
	execution, _ := h.store.GetExecution(ctx, running.ID)
	if execution.Status != contracts.ExecutionStatusFailed || execution.ErrorMessage != "no heartbeat" {
		t.Fatalf("unexpected execution %#v", execution)
	}
	if outputs, _ := h.store.ListOutputFiles(ctx, task.ID); len(outputs) != 0 {
		t.Fatalf("expected no recorded outputs, got %#v", outputs)
	}
}

func TestTerminateTaskLeavesRowsAlone(t *testing.T) {
	script := writeScript(t, "echo started\nexec sleep 5\n")
	h := newHarness(t, WorkerConfig{Command: script, KillGrace: 100 * time.Millisecond}, contracts.Settings{})
	task := h.requestedTask(t, "Reap me")
	ctx := context.Background()

	if err := h.executor.Start(ctx, task); err != nil {
		t.Fatalf("start: %v", err)
	}
	running := h.waitForHeartbeat(t, task.ID)
	if _, _, err := h.store.FailExecution(ctx, running.ID, contracts.FailOptions{Message: "stuck", CountAttempt: true}); err != nil {
		t.Fatalf("external fail: %v", err)
	}
	if _, err := h.store.TransitionTask(ctx, task.ID, contracts.TaskStatusWorking, contracts.TaskStatusRequested); err != nil {
		t.Fatalf("external transition: %v", err)
	}

	if !h.executor.TerminateTask(task.ID) {
		t.Fatalf("expected a live entry to terminate")
	}
	h.executor.Wait()
	if h.executor.TerminateTask(task.ID) {
		t.Fatalf("second terminate should find nothing")
	}
	if execution := h.latest(t, task.ID); execution.RetryCount != 1 {
		t.Fatalf("reaping must not count another attempt, got %d", execution.RetryCount)
	}
	if got := h.task(t, task.ID).Status; got != contracts.TaskStatusRequested {
		t.Fatalf("expected requested, got %s", got)
	}
}
