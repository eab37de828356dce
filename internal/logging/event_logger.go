package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

// EventLogger writes notifications to the process log. Progress chunks are
// logged at debug level.
type EventLogger struct {
	logger *zap.Logger
}

func NewEventLogger(logger *zap.Logger) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLogger{logger: logger.Named("notify")}
}

func (l *EventLogger) Emit(_ context.Context, event contracts.Event) error {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		TaskID(event.TaskID),
	}
	if event.ExecutionID != "" {
		fields = append(fields, ExecutionID(event.ExecutionID))
	}
	if event.FromStatus != "" || event.ToStatus != "" {
		fields = append(fields, zap.String("from", string(event.FromStatus)), zap.String("to", string(event.ToStatus)))
	}
	message := event.Title
	if message == "" {
		message = string(event.Type)
	}
	switch {
	case event.Type == contracts.EventTypeExecutionProgress:
		l.logger.Debug(message, append(fields, zap.Int("bytes", len(event.Message)))...)
	case event.Type == contracts.EventTypeTaskError:
		l.logger.Warn(message, append(fields, zap.String("detail", event.Message))...)
	default:
		l.logger.Info(message, append(fields, zap.String("detail", event.Message))...)
	}
	return nil
}
