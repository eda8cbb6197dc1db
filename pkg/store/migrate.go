package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type migration struct {
	id   int
	name string
	run  func(tx *gorm.DB) error
}

// migrations apply in strictly increasing id order with no gaps. Append only;
// never reorder or edit an entry that has shipped.
var migrations = []migration{
	{1, "create-statuses", func(tx *gorm.DB) error {
		return tx.AutoMigrate(&Status{})
	}},
	{2, "create-profiles", func(tx *gorm.DB) error {
		return tx.AutoMigrate(&Profile{})
	}},
	{3, "create-follows", func(tx *gorm.DB) error {
		return tx.AutoMigrate(&Follow{})
	}},
	{4, "create-stream-cursors", func(tx *gorm.DB) error {
		return tx.AutoMigrate(&StreamCursor{})
	}},
}

// migrate applies any unapplied migrations, each in its own transaction. An
// already-applied step is skipped, never re-run. Any failure here is fatal to
// startup: the process must not serve traffic against an unmigrated schema.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&MigrationEntry{}); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	for i, m := range migrations {
		if m.id != i+1 {
			return fmt.Errorf("migration sequence corrupt: entry %d has id %d", i, m.id)
		}
	}

	for _, m := range migrations {
		var existing MigrationEntry
		err := s.db.First(&existing, "id = ?", m.id).Error
		if err == nil {
			if existing.Name != m.name {
				return fmt.Errorf("applied migration %d is %q, expected %q", m.id, existing.Name, m.name)
			}
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check migration %d: %w", m.id, err)
		}

		s.logger.Info("applying migration", "id", m.id, "name", m.name)
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := m.run(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationEntry{ID: m.id, Name: m.name, AppliedAt: time.Now()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.id, m.name, err)
		}
	}

	return nil
}
