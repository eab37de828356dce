package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

// Store is the relational record store for tasks and everything hanging off
// them. All status changes are conditional updates keyed on the prior status.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*Store)

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = func() time.Time { return clock().UTC() }
		}
	}
}

// Open connects to the sqlite database at path and migrates the schema.
// ":memory:" opens a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; a single connection also keeps ":memory:"
	// databases shared across goroutines.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&taskRow{},
		&executionRow{},
		&feedbackRow{},
		&attachmentRow{},
		&outputFileRow{},
		&notificationRow{},
		&settingsRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for sibling stores.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func notFound(err error, sentinel error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}

func timePtr(t time.Time) *time.Time {
	return &t
}

var _ contracts.TaskStore = (*Store)(nil)
var _ contracts.ExecutionStore = (*Store)(nil)
var _ contracts.FeedbackSource = (*Store)(nil)
var _ contracts.AttachmentSource = (*Store)(nil)
var _ contracts.OutputRecorder = (*Store)(nil)
