// Package profiles pulls actor profiles over XRPC and caches them. It is the
// primary source for profile data; stream-based profile ingestion is an
// optional supplement.
package profiles

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ericvolp12/statusphere/pkg/fetcher"
	"github.com/ericvolp12/statusphere/pkg/store"
)

var tracer = otel.Tracer("profiles")

const profileCollection = "app.bsky.actor.profile"

// Fetcher hydrates the profile cache from the network.
type Fetcher struct {
	logger *slog.Logger
	store  *store.Store
	dir    identity.Directory
}

func NewFetcher(logger *slog.Logger, st *store.Store, dir identity.Directory) *Fetcher {
	if dir == nil {
		dir = identity.DefaultDirectory()
	}
	return &Fetcher{
		logger: logger.With("module", "profiles"),
		store:  st,
		dir:    dir,
	}
}

// FetchAndCache resolves the DID's PDS, fetches the profile record, and
// caches the result. It is a total function: every failure mode ends at the
// log, so callers can fire and forget. An authoritative "no profile" answer
// clears any stale cached row.
func (f *Fetcher) FetchAndCache(ctx context.Context, did string) {
	ctx, span := tracer.Start(ctx, "FetchAndCache")
	defer span.End()
	span.SetAttributes(attribute.String("did", did))

	logger := f.logger.With("did", did)

	parsedDid, err := syntax.ParseDID(did)
	if err != nil {
		logger.Warn("invalid did for profile fetch", "err", err)
		return
	}

	ident, err := f.dir.LookupDID(ctx, parsedDid)
	if err != nil {
		logger.Warn("failed to resolve identity for profile fetch", "err", err)
		return
	}

	pds := ident.PDSEndpoint()
	if pds == "" {
		logger.Warn("identity has no PDS endpoint")
		return
	}

	client := fetcher.NewClient(pds)
	f.fetchWith(ctx, client, did)
}

// CacheOwn fetches the profile of the client's own account, for the write
// path where the caller already holds an authenticated session. Same
// fire-and-forget contract as FetchAndCache.
func (f *Fetcher) CacheOwn(ctx context.Context, client *xrpc.Client) {
	if client.Auth == nil {
		f.logger.Warn("cannot cache own profile without a session")
		return
	}
	f.fetchWith(ctx, client, client.Auth.Did)
}

func (f *Fetcher) fetchWith(ctx context.Context, client *xrpc.Client, did string) {
	logger := f.logger.With("did", did)

	out, err := fetcher.GetRecord(ctx, client, did, profileCollection, "self")
	if err != nil {
		if errors.Is(err, fetcher.ErrNotFound) {
			// The account genuinely has no profile record; drop any cached one
			if _, err := f.store.DeleteProfile(ctx, did); err != nil && !store.IsClosed(err) {
				logger.Error("failed to clear cached profile", "err", err)
			}
			return
		}
		logger.Warn("failed to fetch profile record", "err", err)
		return
	}

	if out.Value == nil {
		logger.Warn("profile record has no value")
		return
	}
	rec, ok := out.Value.Val.(*bsky.ActorProfile)
	if !ok {
		logger.Warn("profile record has unexpected type", "type", out.Value.Val)
		return
	}

	p := &store.Profile{
		Did:         did,
		DisplayName: rec.DisplayName,
		Description: rec.Description,
		IndexedAt:   time.Now(),
	}
	if rec.Avatar != nil {
		cid := rec.Avatar.Ref.String()
		p.AvatarCid = &cid
		p.AvatarMime = &rec.Avatar.MimeType
	}
	if rec.Banner != nil {
		cid := rec.Banner.Ref.String()
		p.BannerCid = &cid
		p.BannerMime = &rec.Banner.MimeType
	}

	if err := f.store.PutProfile(ctx, p); err != nil {
		if !store.IsClosed(err) {
			logger.Error("failed to cache profile", "err", err)
		}
		return
	}
	profilesCached.Inc()
}
