package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/events"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/scheduler"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
)

// Executor is the part of the executor the API exposes.
type Executor interface {
	PauseTask(ctx context.Context, taskID string) (bool, error)
	IsTaskRunning(taskID string) bool
	RunningTaskCount() int
	RunningTaskIDs() []string
}

type Scheduler interface {
	ExecuteTaskByID(ctx context.Context, taskID string) error
	Status(ctx context.Context) scheduler.Status
}

type Watchdog interface {
	StuckTasks(ctx context.Context) ([]contracts.StuckTask, error)
	RestartStuckTask(ctx context.Context, taskID string) error
}

// Workspace removes a task's working directory on permanent delete.
type Workspace interface {
	Remove(taskID string) error
}

type Dependencies struct {
	Store     *store.Store
	Settings  *store.SettingsStore
	Executor  Executor
	Scheduler Scheduler
	Watchdog  Watchdog
	Workspace Workspace
	// Sink receives the status changes made through the API.
	Sink contracts.EventSink
	Bus  events.Bus
	// UploadDir holds uploaded attachments, one directory per task.
	UploadDir string
}

type Server struct {
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

func NewServer(deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = contracts.FanoutSink{}
	}
	return &Server{deps: deps, logger: logger.Named("api"), now: time.Now}
}

// Handler builds the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		success(c, gin.H{"status": "ok", "time": s.now().UTC()})
	})
	router.GET("/ws", s.websocketHandler())

	api := router.Group("/api")
	{
		tasks := api.Group("/tasks")
		tasks.GET("", s.listTasks)
		tasks.POST("", s.createTask)
		tasks.GET("/:id", s.getTask)
		tasks.DELETE("/:id", s.deleteTask)
		tasks.POST("/:id/request", s.requestTask)
		tasks.POST("/:id/reject", s.rejectTask)
		tasks.POST("/:id/complete", s.completeTask)
		tasks.POST("/:id/archive", s.archiveTask)
		tasks.POST("/:id/restore", s.restoreTask)
		tasks.GET("/:id/feedback", s.listFeedback)
		tasks.POST("/:id/feedback", s.addFeedback)
		tasks.GET("/:id/attachments", s.listAttachments)
		tasks.POST("/:id/attachments", s.uploadAttachment)
		tasks.GET("/:id/outputs", s.listOutputs)
		tasks.GET("/:id/executions", s.listExecutions)
		tasks.POST("/:id/execute", s.executeTask)
		tasks.POST("/:id/pause", s.pauseTask)

		api.GET("/executions/status", s.executionStatus)
		api.GET("/executions/:id", s.getExecution)
		api.GET("/executions/:id/outputs", s.listExecutionOutputs)

		api.GET("/stuck-tasks", s.stuckTasks)
		api.POST("/stuck-tasks/:id/restart", s.restartStuckTask)

		api.GET("/notifications", s.listNotifications)
		api.POST("/notifications/read-all", s.markAllNotificationsRead)
		api.POST("/notifications/:id/read", s.markNotificationRead)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.updateSettings)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		}
		if len(c.Errors) > 0 {
			s.logger.Error("request failed", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}

func (s *Server) emit(ctx context.Context, event contracts.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	if err := s.deps.Sink.Emit(ctx, event); err != nil {
		s.logger.Warn("notification failed", logging.TaskID(event.TaskID), zap.Error(err))
	}
}
