package store

import (
	"context"
	"errors"
	"strings"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

func (s *Store) CreateFeedback(ctx context.Context, taskID string, content string) (contracts.Feedback, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return contracts.Feedback{}, contracts.ErrFeedbackRequired
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return contracts.Feedback{}, err
	}
	row := feedbackRow{ID: newID("fb"), TaskID: taskID, Content: content, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return contracts.Feedback{}, err
	}
	return row.toFeedback(), nil
}

func (s *Store) ListFeedback(ctx context.Context, taskID string) ([]contracts.Feedback, error) {
	return s.listFeedback(ctx, taskID, false)
}

// ListUnaddressedFeedback returns open feedback oldest first.
func (s *Store) ListUnaddressedFeedback(ctx context.Context, taskID string) ([]contracts.Feedback, error) {
	return s.listFeedback(ctx, taskID, true)
}

func (s *Store) listFeedback(ctx context.Context, taskID string, openOnly bool) ([]contracts.Feedback, error) {
	query := s.db.WithContext(ctx).Where("task_id = ?", taskID)
	if openOnly {
		query = query.Where("addressed = ?", false)
	}
	var rows []feedbackRow
	if err := query.Order("created_at ASC").Order("rowid ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]contracts.Feedback, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toFeedback())
	}
	return out, nil
}

func (s *Store) MarkFeedbackAddressed(ctx context.Context, ids []string, version int) error {
	if len(ids) == 0 {
		return nil
	}
	if version < 1 {
		return errors.New("addressed version must be positive")
	}
	return s.db.WithContext(ctx).Model(&feedbackRow{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"addressed": true, "addressed_version": version}).Error
}
