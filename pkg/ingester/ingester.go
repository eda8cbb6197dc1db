package ingester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/bluesky-social/indigo/repo"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ericvolp12/statusphere/pkg/archive"
	"github.com/ericvolp12/statusphere/pkg/bq"
	"github.com/ericvolp12/statusphere/pkg/store"
)

var tracer = otel.Tracer("ingester")

// ErrStorageFailing is returned from Run when cache writes keep failing.
// Silent total data loss is worse than a visible crash, so the subscriber
// gives up instead of reconnecting forever against a broken store.
var ErrStorageFailing = errors.New("ingester: persistent storage failure")

const (
	maxConsecutiveStorageErrs = 10
	cursorSaveInterval        = 30 * time.Second
	maxReconnectBackoff       = 30 * time.Second
	backfillTimeout           = 30 * time.Second
	backfillRetryWindow       = time.Minute
	backfillCacheSize         = 10_000
)

// ProfileFetcher is the on-demand profile backfill hook. Implementations are
// total: they log their own failures and never return them.
type ProfileFetcher interface {
	FetchAndCache(ctx context.Context, did string)
}

// Ingester owns the firehose subscription and applies decoded record events
// to the cache store. Construct once, Run in its own goroutine, and await
// Shutdown before closing the store.
type Ingester struct {
	// Optional sinks for ingested status events, nil-checked at use.
	BQ      *bq.BQ
	Archive *archive.Archive

	logger    *slog.Logger
	socketURL *url.URL
	store     *store.Store
	profiles  ProfileFetcher

	collections map[string]struct{}

	limiter   *rate.Limiter
	attempted *lru.Cache[string, time.Time]

	lastSeq atomic.Int64

	storageErrStreak atomic.Int64

	mu        sync.Mutex
	runCancel context.CancelFunc
	done      chan struct{}

	shutdownOnce sync.Once
}

func New(
	logger *slog.Logger,
	socketURL string,
	st *store.Store,
	profiles ProfileFetcher,
	subscribeProfiles bool,
	backfillRPS float64,
) (*Ingester, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}

	collections := map[string]struct{}{
		StatusCollection: {},
	}
	if subscribeProfiles {
		collections[ProfileCollection] = struct{}{}
	}

	attempted, err := lru.New[string, time.Time](backfillCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create backfill cache: %w", err)
	}

	return &Ingester{
		logger:      logger.With("module", "ingester"),
		socketURL:   u,
		store:       st,
		profiles:    profiles,
		collections: collections,
		limiter:     rate.NewLimiter(rate.Limit(backfillRPS), 1),
		attempted:   attempted,
		done:        make(chan struct{}),
	}, nil
}

func (i *Ingester) SetSeq(seq int64) {
	i.lastSeq.Store(seq)
}

func (i *Ingester) GetSeq() int64 {
	return i.lastSeq.Load()
}

// Run drives the subscription until ctx is cancelled or Shutdown is called.
// Transport errors reconnect with backoff from the last acked cursor;
// re-delivered events are handled idempotently downstream.
func (i *Ingester) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	i.mu.Lock()
	i.runCancel = cancel
	i.mu.Unlock()

	defer close(i.done)

	seq, err := i.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	i.SetSeq(seq)

	cursorDone := make(chan struct{})
	go i.saveCursorLoop(ctx, cursorDone)
	defer func() {
		cancel()
		<-cursorDone
	}()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := i.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrStorageFailing) {
			return err
		}

		i.logger.Error("repo stream failed, reconnecting", "err", err, "backoff", backoff.String())
		streamReconnects.Inc()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		if time.Since(start) > time.Minute {
			backoff = time.Second
		} else if backoff < maxReconnectBackoff {
			backoff *= 2
		}
	}
}

func (i *Ingester) connectAndRead(ctx context.Context) error {
	u := *i.socketURL
	if seq := i.GetSeq(); seq > 0 {
		q := u.Query()
		q.Set("cursor", fmt.Sprintf("%d", seq))
		u.RawQuery = q.Encode()
	}

	i.logger.Info("connecting to relay", "url", u.String())

	con, _, err := websocket.DefaultDialer.Dial(u.String(), http.Header{
		"User-Agent": []string{"statusphere/0.0.1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	rsc := events.RepoStreamCallbacks{
		RepoCommit: i.handleCommit,
		Error:      i.handleErrorFrame,
	}

	scheduler := sequential.NewScheduler(con.RemoteAddr().String(), rsc.EventHandler)
	defer scheduler.Shutdown()

	return events.HandleRepoStream(ctx, con, scheduler)
}

func (i *Ingester) saveCursorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cursorSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// last write races store close during shutdown; Shutdown saves
			// explicitly before returning so a miss here is harmless
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := i.store.SaveCursor(saveCtx, i.GetSeq()); err != nil && !store.IsClosed(err) {
				i.logger.Error("failed to save cursor", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := i.store.SaveCursor(ctx, i.GetSeq()); err != nil {
				i.logger.Error("failed to save cursor", "err", err)
			}
		}
	}
}

// Shutdown tears down the subscription and persists the cursor. It must
// complete before the store is closed.
func (i *Ingester) Shutdown(ctx context.Context) error {
	var err error
	i.shutdownOnce.Do(func() {
		i.logger.Info("shutting down ingester")

		i.mu.Lock()
		cancel := i.runCancel
		i.mu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case <-i.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		if serr := i.store.SaveCursor(ctx, i.GetSeq()); serr != nil {
			err = fmt.Errorf("failed to save cursor at shutdown: %w", serr)
			return
		}
		i.logger.Info("cursor saved", "seq", i.GetSeq())
	})
	return err
}

// handleCommit decodes one commit frame into per-record events. Per-op
// failures log and continue; a bad payload must never halt the stream.
func (i *Ingester) handleCommit(evt *atproto.SyncSubscribeRepos_Commit) error {
	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "handleCommit")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", evt.Repo),
		attribute.Int64("seq", evt.Seq),
	)

	logger := i.logger.With("repo", evt.Repo, "seq", evt.Seq)

	i.SetSeq(evt.Seq)

	if !i.wantsCommit(evt) {
		return nil
	}

	if evt.TooBig {
		logger.Warn("commit too big, skipping")
		return nil
	}

	if t, err := dateparse.ParseAny(evt.Time); err == nil {
		eventLag.Observe(time.Since(t).Seconds())
	}

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		logger.Error("failed to read event repo", "err", err)
		return nil
	}

	for _, op := range evt.Ops {
		parts := strings.SplitN(op.Path, "/", 2)
		if len(parts) != 2 {
			logger.Warn("op path does not have 2 parts", "path", op.Path)
			continue
		}
		collection, rkey := parts[0], parts[1]

		if _, ok := i.collections[collection]; !ok {
			eventsSkipped.WithLabelValues("collection").Inc()
			continue
		}

		repoEvt := &RepoEvent{
			Seq:        evt.Seq,
			Repo:       evt.Repo,
			Collection: collection,
			Rkey:       rkey,
		}

		switch op.Action {
		case "create", "update":
			repoEvt.Kind = EventKind(op.Action)

			if op.Cid == nil {
				logger.Warn("op missing cid", "path", op.Path, "action", op.Action)
				continue
			}

			c := (cid.Cid)(*op.Cid)
			recCid, rec, err := r.GetRecordBytes(ctx, op.Path)
			if err != nil {
				logger.Error("failed to get record bytes", "path", op.Path, "err", err)
				continue
			}
			if c != recCid {
				logger.Warn("cid mismatch", "from_event", c, "from_blocks", recCid)
				continue
			}
			if rec == nil {
				logger.Warn("record not found in event blocks", "cid", c, "path", op.Path)
				continue
			}

			decoded, err := data.UnmarshalCBOR(*rec)
			if err != nil {
				logger.Error("failed to unmarshal record from CBOR", "err", err, "path", op.Path)
				continue
			}
			repoEvt.Record = decoded
		case "delete":
			repoEvt.Kind = EventDelete
		default:
			logger.Warn("unknown action", "action", op.Action, "path", op.Path)
			continue
		}

		if err := i.Apply(ctx, repoEvt); err != nil {
			logger.Error("failed to apply event", "path", op.Path, "err", err)
			if i.storageErrStreak.Add(1) >= maxConsecutiveStorageErrs {
				return ErrStorageFailing
			}
			continue
		}
		i.storageErrStreak.Store(0)
	}

	return nil
}

// wantsCommit cheaply rejects commits touching none of the subscribed
// collections before any CAR decoding happens.
func (i *Ingester) wantsCommit(evt *atproto.SyncSubscribeRepos_Commit) bool {
	for _, op := range evt.Ops {
		collection, _, found := strings.Cut(op.Path, "/")
		if !found {
			continue
		}
		if _, ok := i.collections[collection]; ok {
			return true
		}
	}
	return false
}

func (i *Ingester) handleErrorFrame(errf *events.ErrorFrame) error {
	i.logger.Error("error frame from relay", "error", errf.Error, "message", errf.Message)
	return nil
}
