package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// LoadCursor returns the last persisted firehose sequence number, or zero
// when no cursor has been saved yet.
func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	var c StreamCursor
	err := s.db.WithContext(ctx).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return c.LastSeq, nil
}

func (s *Store) SaveCursor(ctx context.Context, seq int64) error {
	c := StreamCursor{Model: gorm.Model{ID: 1}, LastSeq: seq}
	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
