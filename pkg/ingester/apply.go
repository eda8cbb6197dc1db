package ingester

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ericvolp12/statusphere/pkg/store"
)

type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// RepoEvent is one decoded, per-record mutation from the stream. Record is
// nil for deletes and untrusted until validated.
type RepoEvent struct {
	Kind       EventKind
	Seq        int64
	Repo       string
	Collection string
	Rkey       string
	Record     map[string]any
}

func (e *RepoEvent) URI() string {
	return fmt.Sprintf("at://%s/%s/%s", e.Repo, e.Collection, e.Rkey)
}

// Apply applies a single decoded event to the cache store. Validation
// failures discard the event and return nil; only storage failures propagate,
// so the stream loop can tell data loss apart from bad input.
func (i *Ingester) Apply(ctx context.Context, evt *RepoEvent) error {
	ctx, span := tracer.Start(ctx, "Apply")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", evt.Repo),
		attribute.String("collection", evt.Collection),
		attribute.String("kind", string(evt.Kind)),
	)

	if _, ok := i.collections[evt.Collection]; !ok {
		eventsSkipped.WithLabelValues("collection").Inc()
		return nil
	}

	logger := i.logger.With("repo", evt.Repo, "collection", evt.Collection, "rkey", evt.Rkey, "seq", evt.Seq)

	switch evt.Collection {
	case StatusCollection:
		return i.applyStatus(ctx, logger, evt)
	case ProfileCollection:
		return i.applyProfile(ctx, logger, evt)
	default:
		eventsSkipped.WithLabelValues("collection").Inc()
		return nil
	}
}

func (i *Ingester) applyStatus(ctx context.Context, logger *slog.Logger, evt *RepoEvent) error {
	switch evt.Kind {
	case EventCreate, EventUpdate:
		rec, err := parseStatusRecord(evt.Record)
		if err != nil {
			logger.Warn("discarding invalid status record", "err", err)
			recordsInvalid.WithLabelValues(StatusCollection).Inc()
			return nil
		}

		st := &store.Status{
			URI:       evt.URI(),
			AuthorDid: evt.Repo,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			IndexedAt: time.Now(),
		}
		if err := i.store.PutStatus(ctx, st); err != nil {
			storageErrors.Inc()
			return fmt.Errorf("failed to cache status: %w", err)
		}
		eventsApplied.WithLabelValues(StatusCollection, string(evt.Kind)).Inc()

		i.enqueueSinks(evt, rec)
		i.maybeBackfillProfile(ctx, evt.Repo)
		return nil
	case EventDelete:
		if _, err := i.store.DeleteStatus(ctx, evt.URI()); err != nil {
			storageErrors.Inc()
			return fmt.Errorf("failed to delete status: %w", err)
		}
		eventsApplied.WithLabelValues(StatusCollection, string(evt.Kind)).Inc()
		return nil
	default:
		logger.Warn("unknown event kind", "kind", evt.Kind)
		eventsSkipped.WithLabelValues("kind").Inc()
		return nil
	}
}

func (i *Ingester) applyProfile(ctx context.Context, logger *slog.Logger, evt *RepoEvent) error {
	// profiles live at a single well-known record key
	if evt.Rkey != "self" {
		eventsSkipped.WithLabelValues("rkey").Inc()
		return nil
	}

	switch evt.Kind {
	case EventCreate, EventUpdate:
		rec, err := parseProfileRecord(evt.Record)
		if err != nil {
			logger.Warn("discarding invalid profile record", "err", err)
			recordsInvalid.WithLabelValues(ProfileCollection).Inc()
			return nil
		}

		p := &store.Profile{
			Did:         evt.Repo,
			DisplayName: rec.DisplayName,
			Description: rec.Description,
			IndexedAt:   time.Now(),
		}
		if rec.Avatar != nil {
			p.AvatarCid = &rec.Avatar.Cid
			p.AvatarMime = &rec.Avatar.MimeType
		}
		if rec.Banner != nil {
			p.BannerCid = &rec.Banner.Cid
			p.BannerMime = &rec.Banner.MimeType
		}
		if err := i.store.PutProfile(ctx, p); err != nil {
			storageErrors.Inc()
			return fmt.Errorf("failed to cache profile: %w", err)
		}
		eventsApplied.WithLabelValues(ProfileCollection, string(evt.Kind)).Inc()
		return nil
	case EventDelete:
		if _, err := i.store.DeleteProfile(ctx, evt.Repo); err != nil {
			storageErrors.Inc()
			return fmt.Errorf("failed to delete profile: %w", err)
		}
		eventsApplied.WithLabelValues(ProfileCollection, string(evt.Kind)).Inc()
		return nil
	default:
		logger.Warn("unknown event kind", "kind", evt.Kind)
		eventsSkipped.WithLabelValues("kind").Inc()
		return nil
	}
}

// maybeBackfillProfile launches a detached profile fetch when the status
// author has no cached profile yet. It never blocks event processing and its
// failures end at the log.
func (i *Ingester) maybeBackfillProfile(ctx context.Context, did string) {
	if i.profiles == nil {
		return
	}

	has, err := i.store.HasProfile(ctx, did)
	if err != nil {
		i.logger.Error("failed to check cached profile", "did", did, "err", err)
		return
	}
	if has {
		return
	}

	if when, seen := i.attempted.Get(did); seen && time.Since(when) < backfillRetryWindow {
		return
	}
	i.attempted.Add(did, time.Now())
	backfillsTriggered.Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()

		if err := i.limiter.Wait(ctx); err != nil {
			return
		}
		i.profiles.FetchAndCache(ctx, did)
	}()
}

func (i *Ingester) enqueueSinks(evt *RepoEvent, rec *StatusRecord) {
	if i.BQ != nil {
		i.BQ.EnqueueStatusEvent(evt.Seq, evt.Repo, evt.URI(), string(evt.Kind), rec.Status, rec.CreatedAt)
	}
	if i.Archive != nil {
		i.Archive.EnqueueStatusEvent(evt.Seq, evt.Repo, evt.URI(), string(evt.Kind), rec.Status, rec.CreatedAt)
	}
}
