package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

type NewTask struct {
	Title          string
	Description    string
	Priority       contracts.Priority
	DueDate        *time.Time
	EstimatedHours *float64
}

type TaskFilter struct {
	Status   contracts.TaskStatus
	Priority contracts.Priority
	Archived bool
}

func (s *Store) CreateTask(ctx context.Context, input NewTask) (contracts.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return contracts.Task{}, errors.New("task title is required")
	}
	priority := input.Priority
	if priority == "" {
		priority = contracts.PriorityMedium
	}
	if _, err := contracts.ParsePriority(string(priority)); err != nil {
		return contracts.Task{}, err
	}
	now := s.now()
	row := taskRow{
		ID:             newID("T"),
		Title:          title,
		Description:    input.Description,
		Priority:       string(priority),
		Status:         string(contracts.TaskStatusPending),
		Version:        1,
		DueDate:        input.DueDate,
		EstimatedHours: input.EstimatedHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return contracts.Task{}, fmt.Errorf("create task: %w", err)
	}
	return row.toTask(), nil
}

func (s *Store) GetTask(ctx context.Context, id string) (contracts.Task, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return contracts.Task{}, notFound(err, contracts.ErrTaskNotFound, id)
	}
	return row.toTask(), nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]contracts.Task, error) {
	query := s.db.WithContext(ctx).Where("is_archived = ?", filter.Archived)
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Priority != "" {
		query = query.Where("priority = ?", string(filter.Priority))
	}
	var rows []taskRow
	if err := query.Order("created_at ASC").Order("rowid ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]contracts.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toTask())
	}
	return tasks, nil
}

// ListTasksByStatus returns live (non-archived) tasks in the given status,
// oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status contracts.TaskStatus) ([]contracts.Task, error) {
	return s.ListTasks(ctx, TaskFilter{Status: status})
}

// TransitionTask moves a task from one status to another only if it is still
// in the expected status. It reports whether the row changed.
func (s *Store) TransitionTask(ctx context.Context, id string, from contracts.TaskStatus, to contracts.TaskStatus) (bool, error) {
	if err := contracts.ValidateTaskTransition(from, to); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ? AND is_archived = ?", id, string(from), false).
		Updates(map[string]any{"status": string(to), "updated_at": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RequestTask queues a pending task for execution.
func (s *Store) RequestTask(ctx context.Context, id string) (contracts.Task, error) {
	return s.expectTransition(ctx, id, contracts.TaskStatusPending, contracts.TaskStatusRequested)
}

// CompleteTask accepts a reviewed task.
func (s *Store) CompleteTask(ctx context.Context, id string) (contracts.Task, error) {
	return s.expectTransition(ctx, id, contracts.TaskStatusReview, contracts.TaskStatusCompleted)
}

func (s *Store) expectTransition(ctx context.Context, id string, from contracts.TaskStatus, to contracts.TaskStatus) (contracts.Task, error) {
	applied, err := s.TransitionTask(ctx, id, from, to)
	if err != nil {
		return contracts.Task{}, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return contracts.Task{}, err
	}
	if !applied {
		return task, fmt.Errorf("%w: task %s is %s, expected %s", contracts.ErrInvalidTransition, id, task.Status, from)
	}
	return task, nil
}

// RejectTask sends a reviewed task back for rework: the version is bumped and
// the feedback recorded in the same transaction.
func (s *Store) RejectTask(ctx context.Context, id string, feedback string) (contracts.Task, contracts.Feedback, error) {
	content := strings.TrimSpace(feedback)
	if content == "" {
		return contracts.Task{}, contracts.Feedback{}, contracts.ErrFeedbackRequired
	}
	var created feedbackRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&taskRow{}).
			Where("id = ? AND status = ? AND is_archived = ?", id, string(contracts.TaskStatusReview), false).
			Updates(map[string]any{
				"status":     string(contracts.TaskStatusRequested),
				"version":    gorm.Expr("version + ?", 1),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			var row taskRow
			if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
				return notFound(err, contracts.ErrTaskNotFound, id)
			}
			return fmt.Errorf("%w: task %s is %s, expected %s", contracts.ErrInvalidTransition, id, row.Status, contracts.TaskStatusReview)
		}
		created = feedbackRow{
			ID:        newID("fb"),
			TaskID:    id,
			Content:   content,
			CreatedAt: now,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return contracts.Task{}, contracts.Feedback{}, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return contracts.Task{}, contracts.Feedback{}, err
	}
	return task, created.toFeedback(), nil
}

// ArchiveTask soft deletes a task that is not currently working.
func (s *Store) ArchiveTask(ctx context.Context, id string) (contracts.Task, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status <> ? AND is_archived = ?", id, string(contracts.TaskStatusWorking), false).
		Updates(map[string]any{"is_archived": true, "archived_at": now, "updated_at": now})
	if res.Error != nil {
		return contracts.Task{}, res.Error
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return contracts.Task{}, err
	}
	if res.RowsAffected == 0 && !task.IsArchived {
		if !contracts.CanArchive(task.Status) {
			return task, fmt.Errorf("%w: %s", contracts.ErrTaskWorking, id)
		}
		// It was working at update time and has moved on since.
		return task, fmt.Errorf("%w: %s changed while archiving", contracts.ErrStatusConflict, id)
	}
	return task, nil
}

// RestoreTask brings an archived task back onto the board.
func (s *Store) RestoreTask(ctx context.Context, id string) (contracts.Task, error) {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND is_archived = ?", id, true).
		Updates(map[string]any{"is_archived": false, "archived_at": nil, "updated_at": s.now()})
	if res.Error != nil {
		return contracts.Task{}, res.Error
	}
	return s.GetTask(ctx, id)
}

// DeleteTask permanently removes an archived task together with its
// executions, feedback, attachments, output files and notifications.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return notFound(err, contracts.ErrTaskNotFound, id)
		}
		if !row.IsArchived {
			return fmt.Errorf("%w: %s", contracts.ErrTaskNotArchived, id)
		}
		for _, model := range []any{&outputFileRow{}, &feedbackRow{}, &attachmentRow{}, &notificationRow{}, &executionRow{}} {
			if err := tx.Where("task_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", id).Delete(&taskRow{}).Error
	})
}

// ForceCleanup fails every running execution and returns working tasks to
// pending. It is meant for startup after an unclean shutdown, when no worker
// can still be alive.
func (s *Store) ForceCleanup(ctx context.Context) (int, error) {
	var reset int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := tx.Model(&executionRow{}).
			Where("status = ?", string(contracts.ExecutionStatusRunning)).
			Updates(map[string]any{
				"status":        string(contracts.ExecutionStatusFailed),
				"completed_at":  now,
				"error_message": "force cleanup: execution abandoned",
			}).Error; err != nil {
			return err
		}
		res := tx.Model(&taskRow{}).
			Where("status = ?", string(contracts.TaskStatusWorking)).
			Updates(map[string]any{"status": string(contracts.TaskStatusPending), "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		reset = int(res.RowsAffected)
		return nil
	})
	return reset, err
}
