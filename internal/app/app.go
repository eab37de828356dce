package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/api"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/config"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/events"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/executor"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/scheduler"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/watchdog"
)

const (
	shutdownTimeout = 10 * time.Second
	eventSource     = "kanban-automator"
)

// App owns every long-lived component of the automator.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *store.Store
	settings  *store.SettingsStore
	bus       events.Bus
	sink      contracts.EventSink
	workspace *executor.Workspace
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	watchdog  *watchdog.Watchdog
	server    *api.Server
}

// Build opens storage and the event bus and wires the orchestration core.
// Nothing is started until Run.
func Build(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Database.Path); cfg.Database.Path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	bus, err := events.Open(cfg.Events.Backend, cfg.Events.Address, events.DefaultSubjects(cfg.Events.Prefix))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		_ = bus.Close()
		_ = st.Close()
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		settings:  st.Settings(cfg.Settings()),
		bus:       bus,
		workspace: executor.NewWorkspace(cfg.Workspace.Root),
	}
	sinks := contracts.FanoutSink{
		st.Notifications(),
		events.NewBusSink(bus, eventSource),
		logging.NewEventLogger(logger),
	}
	if cfg.Events.Journal != "" {
		sinks = append(sinks, contracts.NewFileEventSink(cfg.Events.Journal))
	}
	a.sink = sinks

	a.executor, err = executor.New(executor.Dependencies{
		Tasks:       st,
		Executions:  st,
		Feedback:    st,
		Attachments: st,
		Outputs:     st,
		Settings:    a.settings,
		Sink:        a.sink,
	}, a.workspace, workerConfig(cfg.Worker),
		executor.WithLogger(logger),
		executor.WithCommandLogger(logging.NewCommandLogger(filepath.Join(cfg.Workspace.Root, ".logs"))),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.scheduler = scheduler.New(st, a.executor, a.settings, cfg.Scheduler.Interval.Duration(), scheduler.WithLogger(logger))

	watchdogOpts := []watchdog.Option{watchdog.WithLogger(logger), watchdog.WithSink(a.sink)}
	if cfg.ReapStaleWorkers() {
		watchdogOpts = append(watchdogOpts, watchdog.WithReaper(a.executor))
	}
	a.watchdog = watchdog.New(st, st, a.settings, cfg.Watchdog.Interval.Duration(), watchdogOpts...)

	a.server = api.NewServer(api.Dependencies{
		Store:     st,
		Settings:  a.settings,
		Executor:  a.executor,
		Scheduler: a.scheduler,
		Watchdog:  a.watchdog,
		Workspace: a.workspace,
		Sink:      a.sink,
		Bus:       bus,
		UploadDir: filepath.Join(filepath.Dir(cfg.Database.Path), "uploads"),
	}, logger)
	return a, nil
}

func workerConfig(cfg config.WorkerConfig) executor.WorkerConfig {
	return executor.WorkerConfig{
		Command:         cfg.Command,
		Args:            cfg.Args,
		PromptMode:      executor.PromptMode(cfg.PromptMode),
		SuccessSentinel: cfg.SuccessSentinel,
		TaskIDEnv:       cfg.TaskIDEnv,
		Env:             cfg.Env,
		Timeout:         cfg.Timeout.Duration(),
		KillGrace:       cfg.KillGrace.Duration(),
		SlowAfter:       cfg.SlowAfter.Duration(),
	}
}

func (a *App) Store() *store.Store { return a.store }
func (a *App) Settings() *store.SettingsStore { return a.settings }
func (a *App) Sink() contracts.EventSink { return a.sink }
func (a *App) Workspace() *executor.Workspace { return a.workspace }
func (a *App) Watchdog() *watchdog.Watchdog { return a.watchdog }
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run recovers rows left behind by an unclean shutdown, starts the scheduler,
// watchdog and HTTP server, and blocks until ctx is done or the server fails.
// Workers still running at shutdown are stopped and their attempts resolved.
func (a *App) Run(ctx context.Context) error {
	reset, err := a.store.ForceCleanup(ctx)
	if err != nil {
		return fmt.Errorf("startup cleanup: %w", err)
	}
	if reset > 0 {
		a.logger.Warn("reset tasks left working by a previous run", zap.Int("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.scheduler.Start(runCtx); err != nil {
		return err
	}
	if err := a.watchdog.Start(runCtx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			a.logger.Error("http server failed", zap.Error(err))
		}
	}

	<-a.scheduler.Stop().Done()
	<-a.watchdog.Stop().Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	cancel()
	a.waitForWorkers(shutdownTimeout)
	return err
}

// RunOnce performs a single scheduling pass and blocks until the workers it
// started have finished.
func (a *App) RunOnce(ctx context.Context) (int, error) {
	started, err := a.scheduler.Tick(ctx)
	if err != nil {
		return started, err
	}
	a.executor.Wait()
	return started, nil
}

func (a *App) waitForWorkers(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.executor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("workers still running after shutdown timeout", zap.Strings("task_ids", a.executor.RunningTaskIDs()))
	}
}

func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
