package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

func (s *Store) AddAttachment(ctx context.Context, attachment contracts.Attachment) (contracts.Attachment, error) {
	if strings.TrimSpace(attachment.Path) == "" {
		return contracts.Attachment{}, errors.New("attachment path is required")
	}
	if _, err := s.GetTask(ctx, attachment.TaskID); err != nil {
		return contracts.Attachment{}, err
	}
	row := attachmentRow{
		ID:        attachment.ID,
		TaskID:    attachment.TaskID,
		Name:      attachment.Name,
		Path:      attachment.Path,
		MimeType:  attachment.MimeType,
		Size:      attachment.Size,
		CreatedAt: s.now(),
	}
	if row.ID == "" {
		row.ID = newID("att")
	}
	if row.Name == "" {
		row.Name = attachment.Path[strings.LastIndexAny(attachment.Path, `/\`)+1:]
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return contracts.Attachment{}, err
	}
	return row.toAttachment(), nil
}

func (s *Store) ListAttachments(ctx context.Context, taskID string) ([]contracts.Attachment, error) {
	var rows []attachmentRow
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("created_at ASC").Order("rowid ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]contracts.Attachment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAttachment())
	}
	return out, nil
}

// RecordOutputFiles stores one immutable row per produced file.
func (s *Store) RecordOutputFiles(ctx context.Context, files []contracts.OutputFile) error {
	if len(files) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]outputFileRow, 0, len(files))
	for _, file := range files {
		row := outputFileRow{
			ID:          file.ID,
			TaskID:      file.TaskID,
			ExecutionID: file.ExecutionID,
			Path:        file.Path,
			Name:        file.Name,
			Type:        file.Type,
			Size:        file.Size,
			CreatedAt:   file.CreatedAt,
		}
		if row.ID == "" {
			row.ID = newID("file")
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		rows = append(rows, row)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

func (s *Store) ListOutputFiles(ctx context.Context, taskID string) ([]contracts.OutputFile, error) {
	return s.listOutputFiles(s.db.WithContext(ctx).Where("task_id = ?", taskID))
}

func (s *Store) ListExecutionOutputFiles(ctx context.Context, executionID string) ([]contracts.OutputFile, error) {
	return s.listOutputFiles(s.db.WithContext(ctx).Where("execution_id = ?", executionID))
}

func (s *Store) listOutputFiles(query *gorm.DB) ([]contracts.OutputFile, error) {
	var rows []outputFileRow
	if err := query.Order("created_at ASC").Order("rowid ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]contracts.OutputFile, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toOutputFile())
	}
	return out, nil
}
