package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

const progressBuffer = 128

// progressForwarder hands stdout chunks to the sink from its own goroutine so
// a slow sink never stalls the worker's output pipe. Chunks are dropped when
// the buffer is full.
type progressForwarder struct {
	chunks  chan string
	done    chan struct{}
	logger  *zap.Logger
	dropped int
}

func newProgressForwarder(ctx context.Context, sink contracts.EventSink, task contracts.Task, executionID string, logger *zap.Logger) *progressForwarder {
	f := &progressForwarder{
		chunks: make(chan string, progressBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		defer close(f.done)
		for chunk := range f.chunks {
			err := sink.Emit(ctx, contracts.Event{
				Type:        contracts.EventTypeExecutionProgress,
				TaskID:      task.ID,
				TaskTitle:   task.Title,
				ExecutionID: executionID,
				Message:     chunk,
			})
			if err != nil {
				logger.Debug("progress event dropped", zap.Error(err))
			}
		}
	}()
	return f
}

func (f *progressForwarder) push(chunk string) {
	if f == nil {
		return
	}
	select {
	case f.chunks <- chunk:
	default:
		f.dropped++
	}
}

// close flushes queued chunks. No push may follow.
func (f *progressForwarder) close() {
	if f == nil {
		return
	}
	close(f.chunks)
	<-f.done
	if f.dropped > 0 {
		f.logger.Warn("progress chunks dropped", zap.Int("dropped", f.dropped))
	}
}
