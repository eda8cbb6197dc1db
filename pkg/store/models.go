package store

import (
	"time"

	"gorm.io/gorm"
)

// Status is one cached status record, keyed by its AT-URI. CreatedAt is the
// author-asserted timestamp from the record, not a row-creation time, so it
// must replace on upsert like every other non-key column.
type Status struct {
	URI       string `gorm:"primaryKey;column:uri"`
	AuthorDid string `gorm:"index"`
	Status    string
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	IndexedAt time.Time
}

// Profile is the cached profile record for a single DID. Optional record
// fields are nullable columns, never empty-string sentinels.
type Profile struct {
	Did         string `gorm:"primaryKey"`
	DisplayName *string
	Description *string
	AvatarCid   *string
	AvatarMime  *string
	BannerCid   *string
	BannerMime  *string
	IndexedAt   time.Time
}

// Follow is one cached follow edge, keyed by the follow record's AT-URI.
// IndexedAt is the time of the resync that produced the row, so the max per
// author doubles as the snapshot's freshness.
type Follow struct {
	URI        string `gorm:"primaryKey;column:uri"`
	AuthorDid  string `gorm:"index"`
	SubjectDid string
	IndexedAt  time.Time
}

// StreamCursor holds the last firehose sequence number we acked.
type StreamCursor struct {
	gorm.Model
	LastSeq int64
}

// MigrationEntry records an applied schema migration.
type MigrationEntry struct {
	ID        int `gorm:"primaryKey"`
	Name      string
	AppliedAt time.Time
}
