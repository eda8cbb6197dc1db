package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PutProfile upserts the profile row for a DID, replacing every non-key
// column. Applying the same snapshot twice yields identical state; stream
// and pull writers race here with last-write-wins semantics.
func (s *Store) PutProfile(ctx context.Context, p *Profile) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		UpdateAll: true,
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.Did, err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, did string) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).First(&p, "did = ?", did).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile %s: %w", did, err)
	}
	return &p, nil
}

func (s *Store) HasProfile(ctx context.Context, did string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Profile{}).Where("did = ?", did).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count profile %s: %w", did, err)
	}
	return count > 0, nil
}

func (s *Store) DeleteProfile(ctx context.Context, did string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Profile{}, "did = ?", did)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete profile %s: %w", did, res.Error)
	}
	return res.RowsAffected, nil
}
