package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestPutStatusIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := &Status{
		URI:       "at://did:plc:abc/xyz.statusphere.status/3k1",
		AuthorDid: "did:plc:abc",
		Status:    "😊",
		CreatedAt: time.Now().Add(-time.Minute),
		IndexedAt: time.Now(),
	}

	require.NoError(t, s.PutStatus(ctx, st))
	require.NoError(t, s.PutStatus(ctx, st))

	got, err := s.GetStatus(ctx, st.URI)
	require.NoError(t, err)
	assert.Equal(t, "😊", got.Status)
	assert.Equal(t, "did:plc:abc", got.AuthorDid)
}

func TestPutStatusLastWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	uri := "at://did:plc:abc/xyz.statusphere.status/3k1"
	t1 := time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 28, 13, 0, 0, 0, time.UTC)
	v1 := &Status{URI: uri, AuthorDid: "did:plc:abc", Status: "old", CreatedAt: t1, IndexedAt: time.Now()}
	v2 := &Status{URI: uri, AuthorDid: "did:plc:abc", Status: "new", CreatedAt: t2, IndexedAt: time.Now()}

	require.NoError(t, s.PutStatus(ctx, v1))
	require.NoError(t, s.PutStatus(ctx, v2))

	got, err := s.GetStatus(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Status)
	// Every non-key column follows the winning write, the author-asserted
	// timestamp included
	assert.WithinDuration(t, t2, got.CreatedAt, time.Second)

	// A redelivered older event overwrites again; writes carry no version
	require.NoError(t, s.PutStatus(ctx, v1))
	got, err = s.GetStatus(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Status)
	assert.WithinDuration(t, t1, got.CreatedAt, time.Second)
}

func TestGetStatusNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetStatus(context.Background(), "at://did:plc:abc/xyz.statusphere.status/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteStatusIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	uri := "at://did:plc:abc/xyz.statusphere.status/3k1"

	rows, err := s.DeleteStatus(ctx, uri)
	require.NoError(t, err)
	assert.Zero(t, rows)

	require.NoError(t, s.PutStatus(ctx, &Status{URI: uri, AuthorDid: "did:plc:abc", Status: "x", CreatedAt: time.Now(), IndexedAt: time.Now()}))

	rows, err = s.DeleteStatus(ctx, uri)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	rows, err = s.DeleteStatus(ctx, uri)
	require.NoError(t, err)
	assert.Zero(t, rows)

	_, err = s.GetStatus(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStatusesJoinsProfiles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutProfile(ctx, &Profile{Did: "did:plc:alice", DisplayName: strp("Alice"), IndexedAt: time.Now()}))

	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.PutStatus(ctx, &Status{URI: "at://did:plc:alice/xyz.statusphere.status/1", AuthorDid: "did:plc:alice", Status: "a", CreatedAt: base, IndexedAt: base}))
	require.NoError(t, s.PutStatus(ctx, &Status{URI: "at://did:plc:bob/xyz.statusphere.status/1", AuthorDid: "did:plc:bob", Status: "b", CreatedAt: base, IndexedAt: base.Add(time.Minute)}))

	views, err := s.ListStatuses(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, views, 2)

	// Newest indexed first
	assert.Equal(t, "did:plc:bob", views[0].AuthorDid)
	assert.Nil(t, views[0].DisplayName)
	assert.Equal(t, "did:plc:alice", views[1].AuthorDid)
	require.NotNil(t, views[1].DisplayName)
	assert.Equal(t, "Alice", *views[1].DisplayName)

	// Author filter
	views, err = s.ListStatuses(ctx, []string{"did:plc:alice"}, 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "did:plc:alice", views[0].AuthorDid)
}

func TestPutProfileUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	did := "did:plc:alice"
	require.NoError(t, s.PutProfile(ctx, &Profile{Did: did, DisplayName: strp("Alice"), Description: strp("hi"), IndexedAt: time.Now()}))

	// A later snapshot with fewer fields clears the dropped ones
	require.NoError(t, s.PutProfile(ctx, &Profile{Did: did, DisplayName: strp("Alice B"), IndexedAt: time.Now()}))

	got, err := s.GetProfile(ctx, did)
	require.NoError(t, err)
	require.NotNil(t, got.DisplayName)
	assert.Equal(t, "Alice B", *got.DisplayName)
	assert.Nil(t, got.Description)

	has, err := s.HasProfile(ctx, did)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasProfile(ctx, "did:plc:unknown")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestReplaceFollows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	author := "did:plc:alice"
	other := "did:plc:carol"
	now := time.Now()

	mk := func(author string, subjects ...string) []*Follow {
		out := make([]*Follow, 0, len(subjects))
		for i, sub := range subjects {
			out = append(out, &Follow{
				URI:        "at://" + author + "/app.bsky.graph.follow/" + string(rune('a'+i)),
				AuthorDid:  author,
				SubjectDid: sub,
				IndexedAt:  now,
			})
		}
		return out
	}

	require.NoError(t, s.ReplaceFollows(ctx, author, mk(author, "did:plc:b", "did:plc:c", "did:plc:d")))
	require.NoError(t, s.ReplaceFollows(ctx, other, mk(other, "did:plc:z")))

	// Replacement is exact: removed edges go away, nothing lingers
	require.NoError(t, s.ReplaceFollows(ctx, author, mk(author, "did:plc:c", "did:plc:e")))

	following, err := s.Following(ctx, author)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"did:plc:c", "did:plc:e"}, following)

	// Other authors' snapshots are untouched
	following, err = s.Following(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:z"}, following)

	// Empty replacement clears the set
	require.NoError(t, s.ReplaceFollows(ctx, author, nil))
	following, err = s.Following(ctx, author)
	require.NoError(t, err)
	assert.Empty(t, following)
}

func TestFollowsRefreshedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	author := "did:plc:alice"

	_, ok, err := s.FollowsRefreshedAt(ctx, author)
	require.NoError(t, err)
	assert.False(t, ok)

	refreshed := time.Now().Add(-6 * time.Minute)
	require.NoError(t, s.ReplaceFollows(ctx, author, []*Follow{
		{URI: "at://" + author + "/app.bsky.graph.follow/a", AuthorDid: author, SubjectDid: "did:plc:b", IndexedAt: refreshed},
	}))

	got, ok, err := s.FollowsRefreshedAt(ctx, author)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, refreshed, got, time.Second)
}

func TestCursorRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seq, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, s.SaveCursor(ctx, 42))
	require.NoError(t, s.SaveCursor(ctx, 43))

	seq, err = s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 43, seq)
}

func TestMigrationsIdempotentAcrossReopen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "statusphere.db")
	ctx := context.Background()

	s, err := Open(path, logger)
	require.NoError(t, err)

	require.NoError(t, s.PutStatus(ctx, &Status{URI: "at://did:plc:a/xyz.statusphere.status/1", AuthorDid: "did:plc:a", Status: "x", CreatedAt: time.Now(), IndexedAt: time.Now()}))
	require.NoError(t, s.Close())

	// Reopening re-walks the migration list without re-running applied steps
	s, err = Open(path, logger)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetStatus(ctx, "at://did:plc:a/xyz.statusphere.status/1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Status)

	var entries []MigrationEntry
	require.NoError(t, s.db.Order("id").Find(&entries).Error)
	require.Len(t, entries, len(migrations))
	for i, e := range entries {
		assert.Equal(t, i+1, e.ID)
		assert.Equal(t, migrations[i].name, e.Name)
	}
}
