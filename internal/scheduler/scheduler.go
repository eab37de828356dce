package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
)

const DefaultInterval = 60 * time.Second

// Runner is the slice of the executor the scheduler drives.
type Runner interface {
	Start(ctx context.Context, task contracts.Task) error
	RunningTaskCount() int
	RunningTaskIDs() []string
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running            bool       `json:"is_running"`
	Interval           string     `json:"check_interval"`
	RunningTasks       int        `json:"running_tasks"`
	RunningTaskIDs     []string   `json:"running_task_ids"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	LastTickAt         *time.Time `json:"last_tick_at,omitempty"`
}

// Scheduler periodically starts requested tasks up to the concurrency cap.
type Scheduler struct {
	tasks    contracts.TaskStore
	runner   Runner
	settings contracts.SettingsProvider
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	ctx      context.Context
	lastTick time.Time
}

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.Named("scheduler")
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

func New(tasks contracts.TaskStore, runner Runner, settings contracts.SettingsProvider, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		tasks:    tasks,
		runner:   runner,
		settings: settings,
		interval: interval,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the periodic tick and runs one immediately. Ticks never
// overlap. Cron schedules have one-second resolution.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	cronLog := logging.CronLogger(s.logger)
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.tick(ctx) }))
	s.cron = c
	s.ctx = ctx
	c.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	go s.tick(ctx)
	return nil
}

// Stop halts future ticks and returns a context that is done once the tick in
// flight (if any) has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		done, cancel := context.WithCancel(context.Background())
		cancel()
		return done
	}
	stopped := s.cron.Stop()
	s.cron = nil
	s.logger.Info("scheduler stopped")
	return stopped
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	started, err := s.Tick(ctx)
	if err != nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
		return
	}
	if started > 0 {
		s.logger.Info("scheduler started tasks", zap.Int("count", started))
	}
}

// Tick starts as many requested tasks as there are free slots, in priority
// order, and returns how many were started. Per-task start failures are
// logged and skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.lastTick = s.now().UTC()
	s.mu.Unlock()

	settings, err := s.settings.Settings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	running := s.runner.RunningTaskCount()
	slots := -1
	if settings.MaxConcurrentTasks > 0 {
		slots = settings.MaxConcurrentTasks - running
		if slots <= 0 {
			s.logger.Debug("no free slots", zap.Int("running", running), zap.Int("max", settings.MaxConcurrentTasks))
			return 0, nil
		}
	}

	candidates, err := s.tasks.ListTasksByStatus(ctx, contracts.TaskStatusRequested)
	if err != nil {
		return 0, fmt.Errorf("list requested tasks: %w", err)
	}
	OrderCandidates(candidates)

	started := 0
	for _, task := range candidates {
		if slots >= 0 && started >= slots {
			break
		}
		if task.IsArchived {
			continue
		}
		err := s.runner.Start(ctx, task)
		switch {
		case err == nil:
			started++
			s.logger.Info("task dispatched", logging.TaskID(task.ID), zap.String("priority", string(task.Priority)), zap.Int("version", task.Version))
		case errors.Is(err, contracts.ErrCapacityExceeded):
			return started, nil
		case errors.Is(err, contracts.ErrAlreadyRunning):
			s.logger.Debug("task already running", logging.TaskID(task.ID))
		default:
			s.logger.Warn("task dispatch failed", logging.TaskID(task.ID), zap.Error(err))
		}
	}
	return started, nil
}

// OrderCandidates sorts requested tasks for dispatch: rework (version > 1)
// first, then by priority, then oldest first.
func OrderCandidates(tasks []contracts.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.IsRework() != b.IsRework() {
			return a.IsRework()
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// ExecuteTaskByID starts one task now, outside the periodic tick.
func (s *Scheduler) ExecuteTaskByID(ctx context.Context, taskID string) error {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != contracts.TaskStatusRequested || task.IsArchived {
		return fmt.Errorf("%w: task %s is %s", contracts.ErrNotEligible, task.ID, task.Status)
	}
	settings, err := s.settings.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.MaxConcurrentTasks > 0 && s.runner.RunningTaskCount() >= settings.MaxConcurrentTasks {
		return fmt.Errorf("%w (%d)", contracts.ErrCapacityExceeded, settings.MaxConcurrentTasks)
	}
	// A detached context keeps the attempt alive after the caller's request ends.
	return s.runner.Start(s.runContext(), task)
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Scheduler) Status(ctx context.Context) Status {
	status := Status{
		Running:        s.IsRunning(),
		Interval:       s.interval.String(),
		RunningTasks:   s.runner.RunningTaskCount(),
		RunningTaskIDs: s.runner.RunningTaskIDs(),
	}
	if settings, err := s.settings.Settings(ctx); err == nil {
		status.MaxConcurrentTasks = settings.MaxConcurrentTasks
	}
	s.mu.Lock()
	if !s.lastTick.IsZero() {
		last := s.lastTick
		status.LastTickAt = &last
	}
	s.mu.Unlock()
	return status
}
