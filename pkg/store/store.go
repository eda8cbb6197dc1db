package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

// ErrNotFound is returned by point reads when no row exists for the key.
var ErrNotFound = errors.New("store: not found")

// Store owns the local read caches (statuses, profiles, follows) plus the
// firehose cursor. All writers go through row-level upserts or transactions;
// there is no locking above the database.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

func Open(sqlitePath string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("module", "store")

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
		Logger: slogGorm.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// Set pragmas for performance
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if strings.Contains(sqlitePath, ":memory:") {
		// each pooled connection would get its own empty in-memory db
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{
		logger: logger,
		db:     db,
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.Close()
}

// IsClosed reports whether err came from a write that raced process
// shutdown. Background fetches landing after Close are expected to fail this
// way and must be swallowed, not crash the shutdown path.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
