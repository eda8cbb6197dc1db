package archive

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := NewArchive(logger, dir, "statuses", 10, time.Minute)
	require.NoError(t, err)

	events := []*StatusEvent{
		{IngestedAt: 1, CreatedAt: 1, FirehoseSeq: 100, Repo: "did:plc:alice", URI: "at://did:plc:alice/xyz.statusphere.status/1", Action: "create", Status: "🎉"},
		{IngestedAt: 2, CreatedAt: 2, FirehoseSeq: 101, Repo: "did:plc:bob", URI: "at://did:plc:bob/xyz.statusphere.status/1", Action: "delete"},
	}
	require.NoError(t, a.WriteFile(events))

	matches, err := filepath.Glob(filepath.Join(dir, "statuses_*.parquet"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	got, err := parquet.ReadFile[StatusEvent](matches[0])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "🎉", got[0].Status)
	assert.EqualValues(t, 101, got[1].FirehoseSeq)
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := NewArchive(logger, dir, "statuses", 1000, time.Hour)
	require.NoError(t, err)

	a.StartWriter()
	a.EnqueueStatusEvent(100, "did:plc:alice", "at://did:plc:alice/xyz.statusphere.status/1", "create", "hi", time.Now())

	// Wait for the writer to pick the event up before signaling shutdown
	require.Eventually(t, func() bool {
		return len(a.writeQueue) == 0
	}, time.Second, 10*time.Millisecond)
	a.Shutdown()

	matches, err := filepath.Glob(filepath.Join(dir, "statuses_*.parquet"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	info, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}
