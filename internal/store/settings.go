package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

const defaultSettingsUser = "default"

// SettingsUpdate carries optional overrides; nil fields keep their value.
type SettingsUpdate struct {
	TaskTimeoutMinutes       *int    `json:"task_timeout_minutes,omitempty"`
	EnableTaskTimeout        *bool   `json:"enable_task_timeout,omitempty"`
	CustomPromptInstructions *string `json:"custom_prompt_instructions,omitempty"`
	RetryLimit               *int    `json:"retry_limit,omitempty"`
	MaxConcurrentTasks       *int    `json:"max_concurrent_tasks,omitempty"`
}

// SettingsStore overlays the persisted user settings on configured defaults.
type SettingsStore struct {
	db       *gorm.DB
	defaults contracts.Settings
	now      func() time.Time
}

func (s *Store) Settings(defaults contracts.Settings) *SettingsStore {
	return &SettingsStore{db: s.db, defaults: defaults, now: s.now}
}

func (s *SettingsStore) Settings(ctx context.Context) (contracts.Settings, error) {
	settings := s.defaults
	var row settingsRow
	err := s.db.WithContext(ctx).Where("user_id = ?", defaultSettingsUser).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}
	if row.TaskTimeoutMinutes != nil && *row.TaskTimeoutMinutes > 0 {
		settings.StaleAfter = time.Duration(*row.TaskTimeoutMinutes) * time.Minute
	}
	if row.EnableTaskTimeout != nil {
		settings.WatchdogEnabled = *row.EnableTaskTimeout
	}
	if row.CustomPromptInstructions != nil {
		settings.CustomPrompt = *row.CustomPromptInstructions
	}
	if row.RetryLimit != nil && *row.RetryLimit >= 0 {
		settings.RetryLimit = *row.RetryLimit
	}
	if row.MaxConcurrentTasks != nil && *row.MaxConcurrentTasks > 0 {
		settings.MaxConcurrentTasks = *row.MaxConcurrentTasks
	}
	return settings, nil
}

func (s *SettingsStore) Update(ctx context.Context, update SettingsUpdate) (contracts.Settings, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row settingsRow
		err := tx.Where("user_id = ?", defaultSettingsUser).First(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row.UserID = defaultSettingsUser
		if update.TaskTimeoutMinutes != nil {
			row.TaskTimeoutMinutes = update.TaskTimeoutMinutes
		}
		if update.EnableTaskTimeout != nil {
			row.EnableTaskTimeout = update.EnableTaskTimeout
		}
		if update.CustomPromptInstructions != nil {
			row.CustomPromptInstructions = update.CustomPromptInstructions
		}
		if update.RetryLimit != nil {
			row.RetryLimit = update.RetryLimit
		}
		if update.MaxConcurrentTasks != nil {
			row.MaxConcurrentTasks = update.MaxConcurrentTasks
		}
		row.UpdatedAt = s.now()
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return contracts.Settings{}, err
	}
	return s.Settings(ctx)
}
