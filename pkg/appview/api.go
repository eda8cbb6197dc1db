// Package appview exposes the cached data over JSON endpoints and carries
// the write path for posting a status through the user's PDS.
package appview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/ericvolp12/statusphere/pkg/fetcher"
	"github.com/ericvolp12/statusphere/pkg/follows"
	"github.com/ericvolp12/statusphere/pkg/profiles"
	"github.com/ericvolp12/statusphere/pkg/store"
)

var tracer = otel.Tracer("appview")

const defaultFeedLimit = 50

type API struct {
	store    *store.Store
	follows  *follows.Service
	profiles *profiles.Fetcher
	dir      identity.Directory
}

func NewAPI(st *store.Store, fl *follows.Service, pf *profiles.Fetcher, dir identity.Directory) *API {
	if dir == nil {
		dir = identity.DefaultDirectory()
	}
	return &API{
		store:    st,
		follows:  fl,
		profiles: pf,
		dir:      dir,
	}
}

type JSONStatus struct {
	URI       string    `json:"uri"`
	AuthorDid string    `json:"authorDid"`
	Author    string    `json:"author"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	IndexedAt time.Time `json:"indexedAt"`
}

type StatusesResponse struct {
	Statuses []JSONStatus `json:"statuses"`
	Error    string       `json:"error,omitempty"`
}

// HandleGetStatuses handles the GET /statuses endpoint
func (a *API) HandleGetStatuses(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetStatuses")
	defer span.End()

	// Parse the query parameters
	// viewer - Viewer DID, scopes the feed to followed accounts plus self (optional)
	// limit - Number of statuses to return (default=50)

	viewerParam := c.QueryParam("viewer")
	limitParam := c.QueryParam("limit")

	resp := StatusesResponse{}

	limit := defaultFeedLimit
	if limitParam != "" {
		l, err := strconv.Atoi(limitParam)
		if err != nil || l < 1 {
			resp.Error = fmt.Sprintf("invalid limit: %s", limitParam)
			return c.JSON(http.StatusBadRequest, resp)
		}
		limit = l
	}

	var authorDids []string
	if viewerParam != "" {
		viewer, err := syntax.ParseDID(viewerParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid viewer DID: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}

		a.refreshFollowsIfStale(ctx, viewer)

		following, err := a.follows.Following(ctx, viewer.String())
		if err != nil {
			resp.Error = fmt.Sprintf("failed to load follow graph: %s", err)
			return c.JSON(http.StatusInternalServerError, resp)
		}
		authorDids = append(following, viewer.String())
	}

	views, err := a.store.ListStatuses(ctx, authorDids, limit)
	if err != nil {
		resp.Error = fmt.Sprintf("failed to list statuses: %s", err)
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Statuses = make([]JSONStatus, 0, len(views))
	for _, v := range views {
		resp.Statuses = append(resp.Statuses, JSONStatus{
			URI:       v.URI,
			AuthorDid: v.AuthorDid,
			Author:    a.authorLabel(ctx, &v),
			Status:    v.Status.Status,
			CreatedAt: v.CreatedAt,
			IndexedAt: v.IndexedAt,
		})
	}

	return c.JSON(http.StatusOK, resp)
}

// refreshFollowsIfStale kicks a background resync of the viewer's follow
// graph. The current request is served from the existing snapshot.
func (a *API) refreshFollowsIfStale(ctx context.Context, viewer syntax.DID) {
	ident, err := a.dir.LookupDID(ctx, viewer)
	if err != nil || ident.PDSEndpoint() == "" {
		return
	}
	a.follows.RefreshIfStale(ctx, viewer.String(), fetcher.NewClient(ident.PDSEndpoint()))
}

// authorLabel builds the display label for a status author: display name
// with handle when both are known, bare handle when only that resolves, and
// the raw DID as the floor.
func (a *API) authorLabel(ctx context.Context, v *store.StatusView) string {
	handle := ""
	if did, err := syntax.ParseDID(v.AuthorDid); err == nil {
		if ident, err := a.dir.LookupDID(ctx, did); err == nil && !ident.Handle.IsInvalidHandle() {
			handle = ident.Handle.String()
		}
	}

	if v.DisplayName != nil && *v.DisplayName != "" && handle != "" {
		return fmt.Sprintf("%s (@%s)", *v.DisplayName, handle)
	}
	if handle != "" {
		return "@" + handle
	}
	return v.AuthorDid
}

type ProfileResponse struct {
	Did         string  `json:"did"`
	DisplayName *string `json:"displayName,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarCid   *string `json:"avatarCid,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// HandleGetProfile handles the GET /profiles/:did endpoint
func (a *API) HandleGetProfile(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetProfile")
	defer span.End()

	did := c.Param("did")
	if _, err := syntax.ParseDID(did); err != nil {
		return c.JSON(http.StatusBadRequest, ProfileResponse{Error: fmt.Sprintf("invalid DID: %s", err)})
	}

	p, err := a.store.GetProfile(ctx, did)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ProfileResponse{Error: fmt.Sprintf("profile not cached: %s", did)})
		}
		return c.JSON(http.StatusInternalServerError, ProfileResponse{Error: fmt.Sprintf("failed to get profile: %s", err)})
	}

	return c.JSON(http.StatusOK, ProfileResponse{
		Did:         p.Did,
		DisplayName: p.DisplayName,
		Description: p.Description,
		AvatarCid:   p.AvatarCid,
	})
}

type FollowingResponse struct {
	Did       string   `json:"did"`
	Following []string `json:"following"`
	Error     string   `json:"error,omitempty"`
}

// HandleGetFollowing handles the GET /following/:did endpoint
func (a *API) HandleGetFollowing(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetFollowing")
	defer span.End()

	did := c.Param("did")
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return c.JSON(http.StatusBadRequest, FollowingResponse{Error: fmt.Sprintf("invalid DID: %s", err)})
	}

	a.refreshFollowsIfStale(ctx, parsed)

	following, err := a.follows.Following(ctx, did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, FollowingResponse{Error: fmt.Sprintf("failed to load follow graph: %s", err)})
	}
	if following == nil {
		following = []string{}
	}

	return c.JSON(http.StatusOK, FollowingResponse{Did: did, Following: following})
}
