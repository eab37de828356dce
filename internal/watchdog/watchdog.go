package watchdog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
)

const (
	DefaultInterval   = 2 * time.Minute
	DefaultStaleAfter = 10 * time.Minute

	manualRestartMessage = "manually restarted"
)

// Reaper stops a worker whose execution the watchdog has already failed.
type Reaper interface {
	TerminateTask(taskID string) bool
}

// Watchdog fails running executions whose heartbeat has gone quiet and
// returns their tasks to the queue. Staleness is measured from the last
// heartbeat, or the start time when the worker never produced output.
type Watchdog struct {
	tasks      contracts.TaskStore
	executions contracts.ExecutionStore
	settings   contracts.SettingsProvider
	sink       contracts.EventSink
	reaper     Reaper
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Watchdog)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger.Named("watchdog")
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(w *Watchdog) {
		if clock != nil {
			w.now = clock
		}
	}
}

func WithSink(sink contracts.EventSink) Option {
	return func(w *Watchdog) {
		if sink != nil {
			w.sink = sink
		}
	}
}

// WithReaper lets recovery also stop the local worker process, if one is
// still alive.
func WithReaper(reaper Reaper) Option {
	return func(w *Watchdog) {
		w.reaper = reaper
	}
}

func New(tasks contracts.TaskStore, executions contracts.ExecutionStore, settings contracts.SettingsProvider, interval time.Duration, opts ...Option) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w := &Watchdog{
		tasks:      tasks,
		executions: executions,
		settings:   settings,
		sink:       contracts.FanoutSink{},
		interval:   interval,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return nil
	}
	cronLog := logging.CronLogger(w.logger)
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	c.Schedule(cron.Every(w.interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if recovered, err := w.Sweep(ctx); err != nil {
			w.logger.Error("watchdog sweep failed", zap.Error(err))
		} else if recovered > 0 {
			w.logger.Warn("recovered stuck tasks", zap.Int("count", recovered))
		}
	}))
	w.cron = c
	c.Start()
	w.logger.Info("watchdog started", zap.Duration("interval", w.interval))
	return nil
}

func (w *Watchdog) Stop() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron == nil {
		done, cancel := context.WithCancel(context.Background())
		cancel()
		return done
	}
	stopped := w.cron.Stop()
	w.cron = nil
	w.logger.Info("watchdog stopped")
	return stopped
}

func (w *Watchdog) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cron != nil
}

// Sweep recovers every stale execution once and returns how many it
// recovered. Executions resolved concurrently by their attempt are skipped.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	settings, err := w.settings.Settings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	if !settings.WatchdogEnabled {
		return 0, nil
	}
	stale, err := w.staleExecutions(ctx, settings)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, execution := range stale {
		ok, err := w.recover(ctx, execution, settings)
		if err != nil {
			w.logger.Error("stuck execution recovery failed", logging.TaskID(execution.TaskID), logging.ExecutionID(execution.ID), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (w *Watchdog) staleExecutions(ctx context.Context, settings contracts.Settings) ([]contracts.Execution, error) {
	running, err := w.executions.ListRunningExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	threshold := staleAfter(settings)
	now := w.now()
	var stale []contracts.Execution
	for _, execution := range running {
		if now.Sub(execution.LastSignal()) > threshold {
			stale = append(stale, execution)
		}
	}
	return stale, nil
}

func (w *Watchdog) recover(ctx context.Context, execution contracts.Execution, settings contracts.Settings) (bool, error) {
	stuckFor := w.now().Sub(execution.LastSignal()).Truncate(time.Second)
	failed, applied, err := w.executions.FailExecution(ctx, execution.ID, contracts.FailOptions{
		Message:      fmt.Sprintf("no worker activity for %s; recovered by watchdog", stuckFor),
		CountAttempt: true,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		w.logger.Debug("execution resolved before recovery", logging.ExecutionID(execution.ID))
		return false, nil
	}

	target := contracts.TaskStatusRequested
	if failed.RetryCount >= settings.RetryLimit {
		target = contracts.TaskStatusPending
	}
	moved, err := w.tasks.TransitionTask(ctx, execution.TaskID, contracts.TaskStatusWorking, target)
	if err != nil {
		return true, err
	}
	w.reap(execution.TaskID)
	w.logger.Warn("stuck execution recovered",
		logging.TaskID(execution.TaskID),
		logging.ExecutionID(execution.ID),
		zap.Duration("stuck_for", stuckFor),
		zap.Int("retry_count", failed.RetryCount),
		zap.String("next", string(target)),
	)
	if !moved {
		return true, nil
	}

	task, err := w.tasks.GetTask(ctx, execution.TaskID)
	if err != nil {
		task = contracts.Task{ID: execution.TaskID}
	}
	eventType := contracts.EventTypeSystemInfo
	if target == contracts.TaskStatusPending {
		eventType = contracts.EventTypeTaskError
	}
	w.emit(ctx, contracts.Event{
		Type:        eventType,
		TaskID:      task.ID,
		TaskTitle:   task.Title,
		ExecutionID: execution.ID,
		FromStatus:  contracts.TaskStatusWorking,
		ToStatus:    target,
		Title:       "Stuck task recovered",
		Message:     fmt.Sprintf("\"%s\" showed no activity for %d minute(s) and was moved to %s", task.Title, int(stuckFor.Minutes()), target),
		Priority:    contracts.EventPriorityHigh,
		Metadata: map[string]string{
			"minutes_stuck": strconv.Itoa(int(stuckFor.Minutes())),
			"retry_count":   strconv.Itoa(failed.RetryCount),
		},
	})
	return true, nil
}

// RestartStuckTask force-fails the task's running execution without waiting
// for it to go stale and puts the task back in the queue. The attempt is not
// counted against the retry budget.
func (w *Watchdog) RestartStuckTask(ctx context.Context, taskID string) error {
	execution, found, err := w.executions.RunningExecution(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", contracts.ErrNoRunningExecution, taskID)
	}
	_, applied, err := w.executions.FailExecution(ctx, execution.ID, contracts.FailOptions{Message: manualRestartMessage})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: %s", contracts.ErrNoRunningExecution, taskID)
	}
	moved, err := w.tasks.TransitionTask(ctx, taskID, contracts.TaskStatusWorking, contracts.TaskStatusRequested)
	if err != nil {
		return err
	}
	w.reap(taskID)
	w.logger.Info("stuck task restarted", logging.TaskID(taskID), logging.ExecutionID(execution.ID))
	if moved {
		task, err := w.tasks.GetTask(ctx, taskID)
		if err == nil {
			w.emit(ctx, contracts.StatusChangeEvent(task, contracts.TaskStatusWorking, contracts.TaskStatusRequested, execution.ID))
		}
	}
	return nil
}

// StuckTasks lists what the next sweep would recover, longest stuck first.
func (w *Watchdog) StuckTasks(ctx context.Context) ([]contracts.StuckTask, error) {
	settings, err := w.settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	stuck := []contracts.StuckTask{}
	if !settings.WatchdogEnabled {
		return stuck, nil
	}
	stale, err := w.staleExecutions(ctx, settings)
	if err != nil {
		return nil, err
	}
	now := w.now()
	for _, execution := range stale {
		entry := contracts.StuckTask{
			Execution:    execution,
			MinutesStuck: int(now.Sub(execution.LastSignal()).Minutes()),
		}
		if task, err := w.tasks.GetTask(ctx, execution.TaskID); err == nil {
			entry.TaskTitle = task.Title
			entry.Priority = task.Priority
		}
		stuck = append(stuck, entry)
	}
	sort.SliceStable(stuck, func(i, j int) bool { return stuck[i].MinutesStuck > stuck[j].MinutesStuck })
	return stuck, nil
}

func (w *Watchdog) reap(taskID string) {
	if w.reaper != nil && w.reaper.TerminateTask(taskID) {
		w.logger.Info("terminated stale worker", logging.TaskID(taskID))
	}
}

func (w *Watchdog) emit(ctx context.Context, event contracts.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = w.now().UTC()
	}
	if err := w.sink.Emit(ctx, event); err != nil {
		w.logger.Warn("notification failed", logging.TaskID(event.TaskID), zap.Error(err))
	}
}

func staleAfter(settings contracts.Settings) time.Duration {
	if settings.StaleAfter > 0 {
		return settings.StaleAfter
	}
	return DefaultStaleAfter
}
