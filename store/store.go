package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store is the row-oriented persistence layer. All mutations go through
// it; execution rows are the single source of truth for run state.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Store around an open GORM connection.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}
}

// DB exposes the underlying connection for callers that compose
// transactions across stores.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema for all engine tables.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&Workflow{},
		&Agent{},
		&AgentDependency{},
		&WorkflowExecution{},
		&AgentExecution{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// nowUTC returns the current time in UTC. Every persisted timestamp
// goes through this.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// Page is the pagination envelope returned by list operations.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int   `json:"pages"`
}

// pageCount computes ceil(total/limit).
func pageCount(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
