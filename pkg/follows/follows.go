// Package follows maintains the cached follow graph for accounts the app has
// seen. Follows are resynced wholesale from the account's PDS rather than
// tracked incrementally off the stream.
package follows

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ericvolp12/statusphere/pkg/fetcher"
	"github.com/ericvolp12/statusphere/pkg/store"
)

var tracer = otel.Tracer("follows")

const (
	FollowCollection = "app.bsky.graph.follow"

	// StaleAfter is how old a cached follow snapshot may get before reads
	// should trigger a resync.
	StaleAfter = 5 * time.Minute
)

type Service struct {
	logger *slog.Logger
	store  *store.Store
}

func NewService(logger *slog.Logger, st *store.Store) *Service {
	return &Service{
		logger: logger.With("module", "follows"),
		store:  st,
	}
}

// Sync replaces the cached follow set for did with a fresh enumeration from
// its PDS. The swap is all-or-nothing: a failed enumeration leaves the old
// snapshot untouched, and readers never observe a mix of old and new rows.
func (s *Service) Sync(ctx context.Context, did string, client *xrpc.Client) error {
	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()
	span.SetAttributes(attribute.String("did", did))

	records, err := fetcher.ListAllRecords(ctx, client, did, FollowCollection)
	if err != nil {
		return fmt.Errorf("failed to enumerate follows for %s: %w", did, err)
	}

	now := time.Now()
	follows := make([]*store.Follow, 0, len(records))
	for _, rec := range records {
		// A record that does not decode as a follow means the enumeration
		// cannot be trusted; abort and keep the previous snapshot rather
		// than replace with a set missing edges
		if rec.Value == nil {
			return fmt.Errorf("follow record %s has no value", rec.Uri)
		}
		follow, ok := rec.Value.Val.(*bsky.GraphFollow)
		if !ok {
			return fmt.Errorf("follow record %s decoded as %T, not a follow", rec.Uri, rec.Value.Val)
		}
		follows = append(follows, &store.Follow{
			URI:        rec.Uri,
			AuthorDid:  did,
			SubjectDid: follow.Subject,
			IndexedAt:  now,
		})
	}

	if err := s.store.ReplaceFollows(ctx, did, follows); err != nil {
		return fmt.Errorf("failed to replace cached follows for %s: %w", did, err)
	}

	followSyncs.Inc()
	s.logger.Info("resynced follows", "did", did, "count", len(follows))
	return nil
}

// Stale reports whether the cached follow snapshot for did is older than
// StaleAfter. A did with no snapshot at all is stale.
func (s *Service) Stale(ctx context.Context, did string) (bool, error) {
	refreshedAt, ok, err := s.store.FollowsRefreshedAt(ctx, did)
	if err != nil {
		return false, fmt.Errorf("failed to read follow snapshot age for %s: %w", did, err)
	}
	if !ok {
		return true, nil
	}
	return time.Since(refreshedAt) > StaleAfter, nil
}

// RefreshIfStale kicks off a background resync when the cached snapshot is
// stale. The caller's read proceeds against the current snapshot either way.
func (s *Service) RefreshIfStale(ctx context.Context, did string, client *xrpc.Client) {
	stale, err := s.Stale(ctx, did)
	if err != nil {
		s.logger.Error("failed to check follow staleness", "did", did, "err", err)
		return
	}
	if !stale {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Sync(ctx, did, client); err != nil && !store.IsClosed(err) {
			s.logger.Error("background follow resync failed", "did", did, "err", err)
		}
	}()
}

// Following returns the cached set of DIDs that did follows.
func (s *Service) Following(ctx context.Context, did string) ([]string, error) {
	return s.store.Following(ctx, did)
}
