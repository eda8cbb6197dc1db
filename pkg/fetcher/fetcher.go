// Package fetcher wraps the pull-based XRPC read path used to hydrate the
// cache outside the event stream: single record lookups and full collection
// enumerations against a repo's PDS.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var otelTransport = otelhttp.NewTransport(http.DefaultTransport)

// ErrNotFound means the PDS answered authoritatively that the record does
// not exist, as opposed to a transient failure.
var ErrNotFound = errors.New("fetcher: record not found")

const (
	requestTimeout = 30 * time.Second
	pageLimit      = 100
	// maxPages bounds a single enumeration; a graph bigger than this is not
	// something this cache is built for.
	maxPages = 200
)

// NewClient returns an unauthenticated XRPC client against the given host.
func NewClient(host string) *xrpc.Client {
	return &xrpc.Client{
		Client: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelTransport,
		},
		Host:      host,
		UserAgent: strPtr("statusphere/0.0.1"),
	}
}

func strPtr(s string) *string {
	return &s
}

// GetRecord fetches a single record from the repo's PDS. A 400 or 404 from
// the server maps to ErrNotFound; everything else is a transport failure.
func GetRecord(ctx context.Context, client *xrpc.Client, repoDid, collection, rkey string) (*comatproto.RepoGetRecord_Output, error) {
	out, err := comatproto.RepoGetRecord(ctx, client, "", collection, repoDid, rkey)
	if err != nil {
		var xErr *xrpc.Error
		if errors.As(err, &xErr) && (xErr.StatusCode == http.StatusBadRequest || xErr.StatusCode == http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s/%s/%s: %w", repoDid, collection, rkey, err)
	}
	return out, nil
}

// ListAllRecords walks the full collection for a repo, following the cursor
// until the PDS stops returning one. Any page failure aborts the whole
// enumeration so callers never see a partial listing as complete.
func ListAllRecords(ctx context.Context, client *xrpc.Client, repoDid, collection string) ([]*comatproto.RepoListRecords_Record, error) {
	var records []*comatproto.RepoListRecords_Record
	cursor := ""

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("collection %s for %s exceeds %d pages", collection, repoDid, maxPages)
		}

		out, err := comatproto.RepoListRecords(ctx, client, collection, cursor, pageLimit, repoDid, false, "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to list records %s/%s (cursor %q): %w", repoDid, collection, cursor, err)
		}

		records = append(records, out.Records...)

		if out.Cursor == nil || *out.Cursor == "" {
			break
		}
		cursor = *out.Cursor
	}

	return records, nil
}
