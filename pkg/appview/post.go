package appview

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/bluesky-social/indigo/xrpc"

	"github.com/ericvolp12/statusphere/pkg/ingester"
	"github.com/ericvolp12/statusphere/pkg/store"
)

type createRecordOutput struct {
	URI string `json:"uri"`
	Cid string `json:"cid"`
}

// PostStatus writes a status record through the user's PDS, then caches it
// locally so the author sees their own post before the stream echoes it
// back. The local write and the profile warm-up are best effort; once the
// PDS accepts the record the post has happened.
func (a *API) PostStatus(ctx context.Context, client *xrpc.Client, status string) (*store.Status, error) {
	ctx, span := tracer.Start(ctx, "PostStatus")
	defer span.End()

	if client.Auth == nil {
		return nil, fmt.Errorf("posting a status requires a session")
	}
	if len(status) == 0 || len(status) > 32 || !utf8.ValidString(status) {
		return nil, fmt.Errorf("status must be 1 to 32 bytes of valid UTF-8")
	}

	createdAt := time.Now().UTC()
	body := map[string]any{
		"repo":       client.Auth.Did,
		"collection": ingester.StatusCollection,
		"record": map[string]any{
			"$type":     ingester.StatusCollection,
			"status":    status,
			"createdAt": createdAt.Format(time.RFC3339),
		},
	}

	var out createRecordOutput
	if err := client.Do(ctx, xrpc.Procedure, "application/json", "com.atproto.repo.createRecord", nil, body, &out); err != nil {
		return nil, fmt.Errorf("failed to create status record: %w", err)
	}

	st := &store.Status{
		URI:       out.URI,
		AuthorDid: client.Auth.Did,
		Status:    status,
		CreatedAt: createdAt,
		IndexedAt: time.Now(),
	}
	// The stream will deliver the same record shortly and the upsert is
	// idempotent, so a failure here only delays visibility.
	if err := a.store.PutStatus(ctx, st); err != nil && !store.IsClosed(err) {
		return st, fmt.Errorf("status posted but local cache write failed: %w", err)
	}

	if a.profiles != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.profiles.CacheOwn(ctx, client)
		}()
	}

	return st, nil
}
