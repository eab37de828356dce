package store

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

// Notification is a persisted notification as shown in the history view.
type Notification struct {
	ID          string                  `json:"id"`
	TaskID      string                  `json:"task_id,omitempty"`
	ExecutionID string                  `json:"execution_id,omitempty"`
	Type        contracts.EventType     `json:"type"`
	Title       string                  `json:"title"`
	Message     string                  `json:"message"`
	Priority    contracts.EventPriority `json:"priority"`
	Metadata    map[string]string       `json:"metadata,omitempty"`
	IsRead      bool                    `json:"is_read"`
	CreatedAt   string                  `json:"created_at"`
}

// NotificationStore persists notification events. Transient progress and
// status-update events are not stored.
type NotificationStore struct {
	db    *gorm.DB
	store *Store
}

func (s *Store) Notifications() *NotificationStore {
	return &NotificationStore{db: s.db, store: s}
}

func (n *NotificationStore) Emit(ctx context.Context, event contracts.Event) error {
	if n == nil || !event.Type.Persistent() {
		return nil
	}
	row := notificationRow{
		ID:          newID("notif"),
		TaskID:      event.TaskID,
		ExecutionID: event.ExecutionID,
		Type:        string(event.Type),
		Title:       event.Title,
		Message:     event.Message,
		Priority:    string(event.Priority),
		CreatedAt:   event.Timestamp.UTC(),
	}
	if row.Priority == "" {
		row.Priority = string(contracts.EventPriorityMedium)
	}
	if event.Timestamp.IsZero() {
		row.CreatedAt = n.store.now()
	}
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		row.Metadata = string(raw)
	}
	return n.db.WithContext(ctx).Create(&row).Error
}

func (n *NotificationStore) List(ctx context.Context, limit int, unreadOnly bool) ([]Notification, error) {
	query := n.db.WithContext(ctx).Order("created_at DESC").Order("rowid DESC")
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []notificationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, row := range rows {
		item := Notification{
			ID:          row.ID,
			TaskID:      row.TaskID,
			ExecutionID: row.ExecutionID,
			Type:        contracts.EventType(row.Type),
			Title:       row.Title,
			Message:     row.Message,
			Priority:    contracts.EventPriority(row.Priority),
			IsRead:      row.IsRead,
			CreatedAt:   row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		if row.Metadata != "" {
			_ = json.Unmarshal([]byte(row.Metadata), &item.Metadata)
		}
		out = append(out, item)
	}
	return out, nil
}

func (n *NotificationStore) MarkRead(ctx context.Context, id string) error {
	return n.db.WithContext(ctx).Model(&notificationRow{}).Where("id = ?", id).Update("is_read", true).Error
}

func (n *NotificationStore) MarkAllRead(ctx context.Context) error {
	return n.db.WithContext(ctx).Model(&notificationRow{}).Where("is_read = ?", false).Update("is_read", true).Error
}
