package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const followInsertBatchSize = 100

// ReplaceFollows swaps the complete follow edge set for one author in a
// single transaction: readers see either the old snapshot or the new one,
// never a mix. An empty set clears the author's edges.
func (s *Store) ReplaceFollows(ctx context.Context, authorDid string, follows []*Follow) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("author_did = ?", authorDid).Delete(&Follow{}).Error; err != nil {
			return err
		}
		if len(follows) == 0 {
			return nil
		}
		return tx.CreateInBatches(follows, followInsertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace follows for %s: %w", authorDid, err)
	}
	return nil
}

// Following returns the subject DIDs the author follows, straight from the
// cache. This is the hot path behind the filtered status feed; it never
// touches the network.
func (s *Store) Following(ctx context.Context, authorDid string) ([]string, error) {
	var subjects []string
	err := s.db.WithContext(ctx).Model(&Follow{}).
		Where("author_did = ?", authorDid).
		Pluck("subject_did", &subjects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read follows for %s: %w", authorDid, err)
	}
	return subjects, nil
}

// FollowsRefreshedAt reports when the author's cached snapshot was last
// produced (max indexed_at). ok is false when no edges are cached at all.
func (s *Store) FollowsRefreshedAt(ctx context.Context, authorDid string) (time.Time, bool, error) {
	var result struct {
		MaxIndexedAt *time.Time
	}
	err := s.db.WithContext(ctx).Model(&Follow{}).
		Select("MAX(indexed_at) AS max_indexed_at").
		Where("author_did = ?", authorDid).
		Scan(&result).Error
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read follow freshness for %s: %w", authorDid, err)
	}
	if result.MaxIndexedAt == nil {
		return time.Time{}, false, nil
	}
	return *result.MaxIndexedAt, true, nil
}
