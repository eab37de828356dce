package store

import (
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

type taskRow struct {
	ID             string `gorm:"primaryKey"`
	Title          string `gorm:"not null"`
	Description    string
	Priority       string `gorm:"index;not null"`
	Status         string `gorm:"index;not null"`
	Version        int    `gorm:"not null"`
	DueDate        *time.Time
	EstimatedHours *float64
	IsArchived     bool `gorm:"index;not null"`
	ArchivedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (taskRow) TableName() string { return "tasks" }

func (r taskRow) toTask() contracts.Task {
	return contracts.Task{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		Priority:       contracts.Priority(r.Priority),
		Status:         contracts.TaskStatus(r.Status),
		Version:        r.Version,
		DueDate:        r.DueDate,
		EstimatedHours: r.EstimatedHours,
		IsArchived:     r.IsArchived,
		ArchivedAt:     r.ArchivedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type executionRow struct {
	ID             string `gorm:"primaryKey"`
	TaskID         string `gorm:"index;not null"`
	Version        int    `gorm:"not null"`
	Status         string `gorm:"index;not null"`
	StartedAt      time.Time
	CompletedAt    *time.Time
	LastActivityAt *time.Time
	RetryCount     int `gorm:"not null"`
	ErrorMessage   string
	Logs           string
	OutputPath     string
}

func (executionRow) TableName() string { return "task_executions" }

func (r executionRow) toExecution() contracts.Execution {
	return contracts.Execution{
		ID:             r.ID,
		TaskID:         r.TaskID,
		Version:        r.Version,
		Status:         contracts.ExecutionStatus(r.Status),
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		LastActivityAt: r.LastActivityAt,
		RetryCount:     r.RetryCount,
		ErrorMessage:   r.ErrorMessage,
		Logs:           r.Logs,
		OutputPath:     r.OutputPath,
	}
}

type feedbackRow struct {
	ID               string `gorm:"primaryKey"`
	TaskID           string `gorm:"index;not null"`
	Content          string `gorm:"not null"`
	Addressed        bool   `gorm:"not null"`
	AddressedVersion *int
	CreatedAt        time.Time
}

func (feedbackRow) TableName() string { return "feedback" }

func (r feedbackRow) toFeedback() contracts.Feedback {
	return contracts.Feedback{
		ID:               r.ID,
		TaskID:           r.TaskID,
		Content:          r.Content,
		Addressed:        r.Addressed,
		AddressedVersion: r.AddressedVersion,
		CreatedAt:        r.CreatedAt,
	}
}

type attachmentRow struct {
	ID        string `gorm:"primaryKey"`
	TaskID    string `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	Path      string `gorm:"not null"`
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

func (attachmentRow) TableName() string { return "attachments" }

func (r attachmentRow) toAttachment() contracts.Attachment {
	return contracts.Attachment{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Name:      r.Name,
		Path:      r.Path,
		MimeType:  r.MimeType,
		Size:      r.Size,
		CreatedAt: r.CreatedAt,
	}
}

type outputFileRow struct {
	ID          string `gorm:"primaryKey"`
	TaskID      string `gorm:"index;not null"`
	ExecutionID string `gorm:"index;not null"`
	Path        string `gorm:"not null"`
	Name        string `gorm:"not null"`
	Type        string
	Size        int64
	CreatedAt   time.Time
}

func (outputFileRow) TableName() string { return "output_files" }

func (r outputFileRow) toOutputFile() contracts.OutputFile {
	return contracts.OutputFile{
		ID:          r.ID,
		TaskID:      r.TaskID,
		ExecutionID: r.ExecutionID,
		Path:        r.Path,
		Name:        r.Name,
		Type:        r.Type,
		Size:        r.Size,
		CreatedAt:   r.CreatedAt,
	}
}

type notificationRow struct {
	ID          string `gorm:"primaryKey"`
	TaskID      string `gorm:"index"`
	ExecutionID string
	Type        string `gorm:"index;not null"`
	Title       string
	Message     string
	Priority    string
	Metadata    string
	IsRead      bool `gorm:"index;not null"`
	CreatedAt   time.Time
}

func (notificationRow) TableName() string { return "notifications" }

type settingsRow struct {
	UserID                   string `gorm:"primaryKey"`
	TaskTimeoutMinutes       *int
	EnableTaskTimeout        *bool
	CustomPromptInstructions *string
	RetryLimit               *int
	MaxConcurrentTasks       *int
	UpdatedAt                time.Time
}

func (settingsRow) TableName() string { return "user_settings" }
