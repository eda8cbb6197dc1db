package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PutStatus upserts a status row by URI with full-row replacement. Re-applying
// the same event is a no-op beyond refreshing indexed_at; no version ordering
// is enforced between writers, last write wins.
func (s *Store) PutStatus(ctx context.Context, st *Status) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		UpdateAll: true,
	}).Create(st).Error
	if err != nil {
		return fmt.Errorf("failed to upsert status %s: %w", st.URI, err)
	}
	return nil
}

func (s *Store) GetStatus(ctx context.Context, uri string) (*Status, error) {
	var st Status
	err := s.db.WithContext(ctx).First(&st, "uri = ?", uri).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get status %s: %w", uri, err)
	}
	return &st, nil
}

// DeleteStatus removes a status row by URI. Deleting an absent key is a
// successful no-op; the returned count is the rows actually removed.
func (s *Store) DeleteStatus(ctx context.Context, uri string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Status{}, "uri = ?", uri)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete status %s: %w", uri, res.Error)
	}
	return res.RowsAffected, nil
}

// StatusView is a status row left-joined with its author's cached profile
// fields for display. Profile columns are nil when the author has no cached
// profile yet.
type StatusView struct {
	Status
	DisplayName *string
	AvatarCid   *string
	AvatarMime  *string
}

// ListStatuses returns recent statuses, newest indexed first, optionally
// restricted to a set of author DIDs. The profile join is read-time only;
// there is no foreign key between the caches.
func (s *Store) ListStatuses(ctx context.Context, authorDids []string, limit int) ([]StatusView, error) {
	if limit < 1 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Table("statuses").
		Select("statuses.*, profiles.display_name, profiles.avatar_cid, profiles.avatar_mime").
		Joins("LEFT JOIN profiles ON profiles.did = statuses.author_did")
	if len(authorDids) > 0 {
		q = q.Where("statuses.author_did IN ?", authorDids)
	}

	var views []StatusView
	err := q.Order("statuses.indexed_at DESC").Limit(limit).Scan(&views).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	return views, nil
}
