package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
)

const (
	transitionAttempts = 3
	transitionBackoff  = 50 * time.Millisecond
)

// Dependencies are the stores and sinks an Executor works against.
type Dependencies struct {
	Tasks       contracts.TaskStore
	Executions  contracts.ExecutionStore
	Feedback    contracts.FeedbackSource
	Attachments contracts.AttachmentSource
	Outputs     contracts.OutputRecorder
	Settings    contracts.SettingsProvider
	Sink        contracts.EventSink
}

// Executor runs at most one worker attempt per task and drives the task and
// execution rows through each attempt.
type Executor struct {
	deps      Dependencies
	workspace *Workspace
	worker    WorkerConfig
	registry  *Registry
	runLog    *logging.CommandLogger
	logger    *zap.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.Named("executor")
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithCommandLogger records every worker invocation in a JSONL run log.
func WithCommandLogger(runLog *logging.CommandLogger) Option {
	return func(e *Executor) {
		e.runLog = runLog
	}
}

func New(deps Dependencies, workspace *Workspace, worker WorkerConfig, opts ...Option) (*Executor, error) {
	if deps.Tasks == nil || deps.Executions == nil || deps.Feedback == nil {
		return nil, errors.New("executor requires task, execution and feedback stores")
	}
	if deps.Settings == nil {
		return nil, errors.New("executor requires a settings provider")
	}
	if workspace == nil {
		return nil, errors.New("executor requires a workspace")
	}
	if deps.Sink == nil {
		deps.Sink = contracts.FanoutSink{}
	}
	e := &Executor{
		deps:      deps,
		workspace: workspace,
		worker:    worker.withDefaults(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry = NewRegistry(e.now)
	return e, nil
}

// Start admits the task and runs the attempt in the background. Admission
// fails with ErrAlreadyRunning or ErrCapacityExceeded.
func (e *Executor) Start(ctx context.Context, task contracts.Task) error {
	settings := e.loadSettings(ctx)
	handle, err := e.registry.Reserve(task.ID, settings.MaxConcurrentTasks)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.run(ctx, task, handle, settings); err != nil {
			e.logger.Warn("attempt ended with error", logging.TaskID(task.ID), zap.Error(err))
		}
	}()
	return nil
}

// ExecuteTask admits the task and runs one attempt to completion.
func (e *Executor) ExecuteTask(ctx context.Context, task contracts.Task) error {
	settings := e.loadSettings(ctx)
	handle, err := e.registry.Reserve(task.ID, settings.MaxConcurrentTasks)
	if err != nil {
		return err
	}
	return e.run(ctx, task, handle, settings)
}

// Wait blocks until every background attempt has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) RunningTaskCount() int {
	return e.registry.Count()
}

func (e *Executor) IsTaskRunning(taskID string) bool {
	return e.registry.Has(taskID)
}

func (e *Executor) RunningTaskIDs() []string {
	return e.registry.TaskIDs()
}

// PauseTask stops the task's worker, marks the execution paused and returns
// the task to pending. The registry entry stays until the worker has exited,
// so the task cannot be admitted again in the meantime. It reports whether
// this call initiated the stop.
func (e *Executor) PauseTask(ctx context.Context, taskID string) (bool, error) {
	handle := e.registry.Lookup(taskID)
	if handle == nil || !handle.claimStop(stopPause) {
		return false, nil
	}
	handle.stop(stopPause, e.worker.KillGrace)
	if executionID := handle.ExecutionID(); executionID != "" {
		if err := e.markPaused(ctx, taskID, executionID); err != nil {
			return true, err
		}
	}
	e.logger.Info("task paused", logging.TaskID(taskID))
	return true, nil
}

// TerminateTask stops a worker whose execution was already resolved
// elsewhere. Rows are left alone.
func (e *Executor) TerminateTask(taskID string) bool {
	handle := e.registry.Lookup(taskID)
	if handle == nil || !handle.claimStop(stopReaped) {
		return false
	}
	handle.stop(stopReaped, e.worker.KillGrace)
	return true
}

func (e *Executor) markPaused(ctx context.Context, taskID string, executionID string) error {
	paused, err := e.deps.Executions.PauseExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !paused {
		// Both PauseTask and the attempt itself end up here; whoever comes
		// second still has to settle the task.
		execution, err := e.deps.Executions.GetExecution(ctx, executionID)
		if err != nil || execution.Status != contracts.ExecutionStatusPaused {
			return err
		}
	}
	applied, err := e.deps.Tasks.TransitionTask(ctx, taskID, contracts.TaskStatusWorking, contracts.TaskStatusPending)
	if err != nil {
		return err
	}
	if applied {
		task, err := e.deps.Tasks.GetTask(ctx, taskID)
		if err == nil {
			e.emit(ctx, contracts.StatusChangeEvent(task, contracts.TaskStatusWorking, contracts.TaskStatusPending, executionID))
		}
	}
	return nil
}

func (e *Executor) loadSettings(ctx context.Context) contracts.Settings {
	settings, err := e.deps.Settings.Settings(ctx)
	if err != nil {
		e.logger.Warn("settings unavailable, using last known defaults", zap.Error(err))
	}
	return settings
}

func (e *Executor) emit(ctx context.Context, event contracts.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	if err := e.deps.Sink.Emit(ctx, event); err != nil {
		e.logger.Warn("notification failed", logging.TaskID(event.TaskID), zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// run owns the registry entry for the duration of one attempt.
func (e *Executor) run(ctx context.Context, task contracts.Task, handle *Handle, settings contracts.Settings) (err error) {
	defer e.registry.Release(handle)
	a := &attempt{
		e:        e,
		task:     task,
		handle:   handle,
		settings: settings,
		book:     context.WithoutCancel(ctx),
		logger:   e.logger.With(logging.TaskID(task.ID)),
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("attempt panicked: %v", recovered)
			a.abort(err)
		}
	}()
	return a.execute(ctx)
}

type attempt struct {
	e         *Executor
	task      contracts.Task
	handle    *Handle
	settings  contracts.Settings
	book      context.Context
	logger    *zap.Logger
	execution contracts.Execution
	dir       string
	feedback  []contracts.Feedback
	progress  *progressForwarder
}

func (a *attempt) execute(ctx context.Context) error {
	e := a.e
	current, err := e.deps.Tasks.GetTask(a.book, a.task.ID)
	if err != nil {
		return err
	}
	if current.Status != contracts.TaskStatusRequested || current.IsArchived {
		return fmt.Errorf("%w: task %s is %s", contracts.ErrNotEligible, current.ID, current.Status)
	}
	a.task = current
	if a.handle.stopReason() == stopPause {
		return a.pausedBeforeStart()
	}

	dir, archived, err := e.workspace.Prepare(a.task.ID, a.task.Version)
	if err != nil {
		return a.abort(err)
	}
	a.dir = dir
	if archived != "" {
		a.logger.Info("archived previous deliverables", zap.String("archive", archived), zap.Int("version", a.task.Version))
	}

	a.feedback, err = e.deps.Feedback.ListUnaddressedFeedback(a.book, a.task.ID)
	if err != nil {
		return a.abort(err)
	}

	retryCount, err := a.inheritedRetryCount()
	if err != nil {
		return a.abort(err)
	}
	a.execution, err = e.deps.Executions.CreateExecution(a.book, contracts.Execution{
		TaskID:     a.task.ID,
		Version:    a.task.Version,
		StartedAt:  e.now().UTC(),
		RetryCount: retryCount,
	})
	if err != nil {
		return a.abort(err)
	}
	a.handle.setExecution(a.execution.ID)
	a.logger = a.logger.With(logging.ExecutionID(a.execution.ID))

	applied, err := e.deps.Tasks.TransitionTask(a.book, a.task.ID, contracts.TaskStatusRequested, contracts.TaskStatusWorking)
	if err != nil {
		return a.abort(err)
	}
	if !applied {
		_, _, _ = e.deps.Executions.FailExecution(a.book, a.execution.ID, contracts.FailOptions{Message: "task left requested state before start"})
		return fmt.Errorf("%w: task %s changed before start", contracts.ErrNotEligible, a.task.ID)
	}
	e.emit(a.book, contracts.StatusChangeEvent(a.task, contracts.TaskStatusRequested, contracts.TaskStatusWorking, a.execution.ID))

	var attachments []contracts.Attachment
	if e.deps.Attachments != nil {
		attachments, err = e.deps.Attachments.ListAttachments(a.book, a.task.ID)
		if err != nil {
			return a.abort(err)
		}
	}
	staged, err := e.workspace.StageAttachments(dir, attachments)
	if err != nil {
		a.logger.Warn("some attachments were not staged", zap.Error(err))
	}
	prompt := BuildPrompt(PromptInput{
		Task:               a.task,
		CustomInstructions: a.settings.CustomPrompt,
		Attachments:        staged,
		Feedback:           a.feedback,
	})
	promptPath, err := e.workspace.WritePrompt(dir, prompt)
	if err != nil {
		return a.abort(err)
	}

	a.progress = newProgressForwarder(a.book, e.deps.Sink, a.task, a.execution.ID, a.logger)
	result := e.worker.run(ctx, runRequest{
		TaskID:      a.task.ID,
		ExecutionID: a.execution.ID,
		Dir:         dir,
		Prompt:      prompt,
		PromptPath:  promptPath,
		Handle:      a.handle,
		OnChunk:     a.onChunk,
		OnSlow:      a.onSlow,
	})
	a.progress.close()
	a.logRun(result)

	switch {
	case result.Stopped == stopPause:
		return e.markPaused(a.book, a.task.ID, a.execution.ID)
	case result.Err == nil:
		return a.succeed(result)
	default:
		return a.fail(result.Err, combinedLogs(result))
	}
}

// pausedBeforeStart settles a pause that arrived before any execution row
// existed: the task goes straight back to pending.
func (a *attempt) pausedBeforeStart() error {
	applied, err := a.e.deps.Tasks.TransitionTask(a.book, a.task.ID, contracts.TaskStatusRequested, contracts.TaskStatusPending)
	if err != nil || !applied {
		return err
	}
	a.e.emit(a.book, contracts.StatusChangeEvent(a.task, contracts.TaskStatusRequested, contracts.TaskStatusPending, ""))
	a.logger.Info("attempt paused before start")
	return nil
}

// inheritedRetryCount carries the attempt counter across retries of the same
// version. Anything else (a new version, a pause, a success) starts over.
func (a *attempt) inheritedRetryCount() (int, error) {
	latest, found, err := a.e.deps.Executions.LatestExecution(a.book, a.task.ID)
	if err != nil || !found {
		return 0, err
	}
	if latest.Status == contracts.ExecutionStatusFailed && latest.Version == a.task.Version && latest.RetryCount < a.settings.RetryLimit {
		return latest.RetryCount, nil
	}
	return 0, nil
}

func (a *attempt) onChunk(chunk string) {
	if err := a.e.deps.Executions.TouchExecution(a.book, a.execution.ID, a.e.now().UTC()); err != nil {
		a.logger.Debug("heartbeat failed", zap.Error(err))
	}
	a.progress.push(chunk)
}

func (a *attempt) onSlow() {
	a.e.emit(a.book, contracts.Event{
		Type:        contracts.EventTypeSystemInfo,
		TaskID:      a.task.ID,
		TaskTitle:   a.task.Title,
		ExecutionID: a.execution.ID,
		Title:       "Task is taking longer than usual",
		Message:     fmt.Sprintf("\"%s\" has been running for more than %s", a.task.Title, a.e.worker.SlowAfter),
		Priority:    contracts.EventPriorityLow,
	})
}

func (a *attempt) succeed(result runResult) error {
	e := a.e
	outputPath, err := e.workspace.WriteOutput(a.dir, result.Stdout)
	if err != nil {
		return a.abort(err)
	}
	completed, err := e.deps.Executions.CompleteExecution(a.book, a.execution.ID, contracts.CompleteOptions{
		Logs:       combinedLogs(result),
		OutputPath: outputPath,
	})
	if err != nil {
		return a.abort(err)
	}
	if !completed {
		a.logger.Warn("execution was resolved elsewhere before completion was recorded")
		return nil
	}

	a.recordOutputs()
	if len(a.feedback) > 0 {
		ids := make([]string, 0, len(a.feedback))
		for _, fb := range a.feedback {
			ids = append(ids, fb.ID)
		}
		if err := e.deps.Feedback.MarkFeedbackAddressed(a.book, ids, a.task.Version); err != nil {
			a.logger.Error("failed to mark feedback addressed", zap.Error(err))
		}
	}

	applied, err := a.moveTask(contracts.TaskStatusWorking, contracts.TaskStatusReview)
	if err != nil {
		return a.abort(fmt.Errorf("move task to review: %w", err))
	}
	if !applied {
		a.logger.Warn("task left working state before review")
		return nil
	}
	if len(a.feedback) > 0 {
		e.emit(a.book, contracts.Event{
			Type:        contracts.EventTypeFeedbackComplete,
			TaskID:      a.task.ID,
			TaskTitle:   a.task.Title,
			ExecutionID: a.execution.ID,
			Title:       "Feedback addressed",
			Message:     fmt.Sprintf("%d feedback item(s) on \"%s\" were addressed in version %d", len(a.feedback), a.task.Title, a.task.Version),
			Priority:    contracts.EventPriorityHigh,
			Metadata:    map[string]string{"version": strconv.Itoa(a.task.Version)},
		})
	}
	e.emit(a.book, contracts.StatusChangeEvent(a.task, contracts.TaskStatusWorking, contracts.TaskStatusReview, a.execution.ID))
	a.logger.Info("attempt completed", zap.String("output", outputPath))
	return nil
}

func (a *attempt) recordOutputs() {
	e := a.e
	if e.deps.Outputs == nil {
		return
	}
	produced, err := e.workspace.ScanOutputs(a.dir)
	if err != nil {
		a.logger.Warn("output scan failed", zap.Error(err))
		return
	}
	files := make([]contracts.OutputFile, 0, len(produced))
	for _, p := range produced {
		files = append(files, contracts.OutputFile{
			TaskID:      a.task.ID,
			ExecutionID: a.execution.ID,
			Path:        p.Path,
			Name:        p.Name,
			Type:        p.Type,
			Size:        p.Size,
		})
	}
	if err := e.deps.Outputs.RecordOutputFiles(a.book, files); err != nil {
		a.logger.Warn("recording output files failed", zap.Error(err))
	}
}

// fail resolves a worker failure against the retry budget.
func (a *attempt) fail(cause error, logs string) error {
	e := a.e
	failed, applied, err := e.deps.Executions.FailExecution(a.book, a.execution.ID, contracts.FailOptions{
		Message:      cause.Error(),
		Logs:         logs,
		CountAttempt: true,
	})
	if err != nil {
		a.logger.Error("failed to record execution failure", zap.Error(err))
		return err
	}
	if !applied {
		a.logger.Warn("execution was resolved elsewhere before failure was recorded", zap.NamedError("cause", cause))
		return cause
	}

	target := contracts.TaskStatusRequested
	if failed.RetryCount >= a.settings.RetryLimit {
		target = contracts.TaskStatusPending
	}
	moved, err := a.moveTask(contracts.TaskStatusWorking, target)
	if err != nil {
		return a.abort(fmt.Errorf("move task to %s after failure: %w", target, err))
	}
	a.logger.Warn("attempt failed", zap.Error(cause), zap.Int("retry_count", failed.RetryCount), zap.String("next", string(target)))
	if !moved {
		return cause
	}
	if target == contracts.TaskStatusRequested {
		e.emit(a.book, contracts.StatusChangeEvent(a.task, contracts.TaskStatusWorking, target, a.execution.ID))
		return cause
	}
	e.emit(a.book, contracts.Event{
		Type:        contracts.EventTypeTaskError,
		TaskID:      a.task.ID,
		TaskTitle:   a.task.Title,
		ExecutionID: a.execution.ID,
		FromStatus:  contracts.TaskStatusWorking,
		ToStatus:    contracts.TaskStatusPending,
		Title:       "Task failed",
		Message:     fmt.Sprintf("\"%s\" failed %d time(s) and needs attention: %v", a.task.Title, failed.RetryCount, cause),
		Priority:    contracts.EventPriorityHigh,
		Metadata:    map[string]string{"retry_count": strconv.Itoa(failed.RetryCount)},
	})
	return cause
}

// moveTask retries a task transition that errored, for example on a locked
// database. The execution row is already resolved when it runs; callers abort
// if every try fails.
func (a *attempt) moveTask(from contracts.TaskStatus, to contracts.TaskStatus) (bool, error) {
	var err error
	for i := 0; i < transitionAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * transitionBackoff)
		}
		var applied bool
		applied, err = a.e.deps.Tasks.TransitionTask(a.book, a.task.ID, from, to)
		if err == nil {
			return applied, nil
		}
		a.logger.Warn("task transition failed", zap.String("from", string(from)), zap.String("to", string(to)), zap.Int("try", i+1), zap.Error(err))
	}
	return false, err
}

// abort handles errors that are not worker failures: the execution (if any)
// is failed and the task goes back to pending for a human to look at.
func (a *attempt) abort(cause error) error {
	e := a.e
	a.logger.Error("attempt aborted", zap.Error(cause))
	from := contracts.TaskStatusRequested
	if a.execution.ID != "" {
		if _, _, err := e.deps.Executions.FailExecution(a.book, a.execution.ID, contracts.FailOptions{Message: cause.Error(), CountAttempt: true}); err != nil {
			a.logger.Error("failed to record execution failure", zap.Error(err))
		}
		if task, err := e.deps.Tasks.GetTask(a.book, a.task.ID); err == nil {
			from = task.Status
		}
	}
	if from == contracts.TaskStatusRequested || from == contracts.TaskStatusWorking {
		if _, err := e.deps.Tasks.TransitionTask(a.book, a.task.ID, from, contracts.TaskStatusPending); err != nil {
			a.logger.Error("failed to reset task", zap.Error(err))
		}
	}
	e.emit(a.book, contracts.Event{
		Type:        contracts.EventTypeTaskError,
		TaskID:      a.task.ID,
		TaskTitle:   a.task.Title,
		ExecutionID: a.execution.ID,
		ToStatus:    contracts.TaskStatusPending,
		Title:       "Task execution error",
		Message:     cause.Error(),
		Priority:    contracts.EventPriorityHigh,
	})
	return cause
}

func (a *attempt) logRun(result runResult) {
	if a.e.runLog == nil {
		return
	}
	err := a.e.runLog.LogRun(logging.WorkerRun{
		TaskID:      a.task.ID,
		ExecutionID: a.execution.ID,
		Command:     result.Command,
		Dir:         a.dir,
		StartedAt:   result.StartedAt,
		ExitCode:    result.ExitCode,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		Err:         result.Err,
	})
	if err != nil {
		a.logger.Debug("worker run log failed", zap.Error(err))
	}
}

func combinedLogs(result runResult) string {
	if result.Stderr == "" {
		return result.Stdout
	}
	return result.Stdout + "\n--- stderr ---\n" + result.Stderr
}
