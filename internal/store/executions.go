package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

func (s *Store) CreateExecution(ctx context.Context, execution contracts.Execution) (contracts.Execution, error) {
	if execution.TaskID == "" {
		return contracts.Execution{}, errors.New("execution task id is required")
	}
	row := executionRow{
		ID:         execution.ID,
		TaskID:     execution.TaskID,
		Version:    execution.Version,
		Status:     string(contracts.ExecutionStatusRunning),
		StartedAt:  execution.StartedAt,
		RetryCount: execution.RetryCount,
	}
	if row.ID == "" {
		row.ID = newID("exec")
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = s.now()
	}
	if row.Version < 1 {
		row.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return contracts.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	return row.toExecution(), nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (contracts.Execution, error) {
	var row executionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return contracts.Execution{}, notFound(err, contracts.ErrExecutionNotFound, id)
	}
	return row.toExecution(), nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID string) ([]contracts.Execution, error) {
	var rows []executionRow
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("started_at DESC").Order("rowid DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toExecutions(rows), nil
}

func (s *Store) LatestExecution(ctx context.Context, taskID string) (contracts.Execution, bool, error) {
	return s.firstExecution(s.db.WithContext(ctx).Where("task_id = ?", taskID))
}

func (s *Store) RunningExecution(ctx context.Context, taskID string) (contracts.Execution, bool, error) {
	return s.firstExecution(s.db.WithContext(ctx).Where("task_id = ? AND status = ?", taskID, string(contracts.ExecutionStatusRunning)))
}

func (s *Store) firstExecution(query *gorm.DB) (contracts.Execution, bool, error) {
	var row executionRow
	err := query.Order("started_at DESC").Order("rowid DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contracts.Execution{}, false, nil
	}
	if err != nil {
		return contracts.Execution{}, false, err
	}
	return row.toExecution(), true, nil
}

func (s *Store) ListRunningExecutions(ctx context.Context) ([]contracts.Execution, error) {
	var rows []executionRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(contracts.ExecutionStatusRunning)).
		Order("started_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toExecutions(rows), nil
}

// TouchExecution records a heartbeat on a running execution.
func (s *Store) TouchExecution(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&executionRow{}).
		Where("id = ? AND status = ?", id, string(contracts.ExecutionStatusRunning)).
		Update("last_activity_at", at.UTC()).Error
}

func (s *Store) CompleteExecution(ctx context.Context, id string, opts contracts.CompleteOptions) (bool, error) {
	now := s.now()
	res, err := s.resolveExecution(ctx, id, contracts.ExecutionStatusCompleted, map[string]any{
		"completed_at":     now,
		"last_activity_at": now,
		"logs":             opts.Logs,
		"output_path":      opts.OutputPath,
	})
	if err != nil {
		return false, err
	}
	return res.RowsAffected == 1, nil
}

// resolveExecution applies a transition out of running as a compare-and-set
// on the row's status. RowsAffected is 0 when the row had already left
// running.
func (s *Store) resolveExecution(ctx context.Context, id string, to contracts.ExecutionStatus, updates map[string]any) (*gorm.DB, error) {
	if err := contracts.ValidateExecutionTransition(contracts.ExecutionStatusRunning, to); err != nil {
		return nil, err
	}
	updates["status"] = string(to)
	res := s.db.WithContext(ctx).Model(&executionRow{}).
		Where("id = ? AND status = ?", id, string(contracts.ExecutionStatusRunning)).
		Updates(updates)
	return res, res.Error
}

// FailExecution moves a running execution to failed. When the row is no
// longer running the call is a no-op and reports false.
func (s *Store) FailExecution(ctx context.Context, id string, opts contracts.FailOptions) (contracts.Execution, bool, error) {
	updates := map[string]any{
		"completed_at":  s.now(),
		"error_message": opts.Message,
	}
	if opts.Logs != "" {
		updates["logs"] = opts.Logs
	}
	if opts.CountAttempt {
		updates["retry_count"] = gorm.Expr("retry_count + ?", 1)
	}
	res, err := s.resolveExecution(ctx, id, contracts.ExecutionStatusFailed, updates)
	if err != nil {
		return contracts.Execution{}, false, err
	}
	execution, err := s.GetExecution(ctx, id)
	if err != nil {
		return contracts.Execution{}, false, err
	}
	return execution, res.RowsAffected == 1, nil
}

func (s *Store) PauseExecution(ctx context.Context, id string) (bool, error) {
	res, err := s.resolveExecution(ctx, id, contracts.ExecutionStatusPaused, map[string]any{
		"error_message": "paused by operator",
	})
	if err != nil {
		return false, err
	}
	return res.RowsAffected == 1, nil
}

func toExecutions(rows []executionRow) []contracts.Execution {
	out := make([]contracts.Execution, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toExecution())
	}
	return out
}
