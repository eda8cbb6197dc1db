package ingester

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusRecord(t *testing.T) {
	rec, err := parseStatusRecord(map[string]any{
		"$type":     StatusCollection,
		"status":    "👾",
		"createdAt": "2024-02-28T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "👾", rec.Status)
	assert.Equal(t, time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC), rec.CreatedAt.UTC())
}

func TestParseStatusRecordRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		rec  map[string]any
	}{
		{"nil record", nil},
		{"wrong type", map[string]any{"$type": "app.bsky.feed.post", "status": "x", "createdAt": "2024-02-28T12:00:00Z"}},
		{"missing status", map[string]any{"$type": StatusCollection, "createdAt": "2024-02-28T12:00:00Z"}},
		{"non-string status", map[string]any{"$type": StatusCollection, "status": 7, "createdAt": "2024-02-28T12:00:00Z"}},
		{"empty status", map[string]any{"$type": StatusCollection, "status": "", "createdAt": "2024-02-28T12:00:00Z"}},
		{"oversized status", map[string]any{"$type": StatusCollection, "status": strings.Repeat("a", 33), "createdAt": "2024-02-28T12:00:00Z"}},
		{"invalid utf8", map[string]any{"$type": StatusCollection, "status": string([]byte{0xff, 0xfe}), "createdAt": "2024-02-28T12:00:00Z"}},
		{"missing createdAt", map[string]any{"$type": StatusCollection, "status": "x"}},
		{"garbage createdAt", map[string]any{"$type": StatusCollection, "status": "x", "createdAt": "not a time"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseStatusRecord(tc.rec)
			assert.Error(t, err)
		})
	}
}

func TestParseStatusRecordMaxLengthBoundary(t *testing.T) {
	// 32 bytes is in bounds, multi-byte runes count in bytes
	rec, err := parseStatusRecord(map[string]any{
		"$type":     StatusCollection,
		"status":    strings.Repeat("a", 32),
		"createdAt": "2024-02-28T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Len(t, rec.Status, 32)

	// 9 four-byte emoji are 36 bytes and out of bounds
	_, err = parseStatusRecord(map[string]any{
		"$type":     StatusCollection,
		"status":    strings.Repeat("👾", 9),
		"createdAt": "2024-02-28T12:00:00Z",
	})
	assert.Error(t, err)
}

func TestParseProfileRecord(t *testing.T) {
	rec, err := parseProfileRecord(map[string]any{
		"$type":       ProfileCollection,
		"displayName": "Alice",
		"description": "hello",
		"avatar": map[string]any{
			"$type":    "blob",
			"ref":      map[string]any{"$link": "bafkreihdwdcefgh4dqkjv67uzcmw7o"},
			"mimeType": "image/jpeg",
			"size":     12345,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rec.DisplayName)
	assert.Equal(t, "Alice", *rec.DisplayName)
	require.NotNil(t, rec.Description)
	assert.Equal(t, "hello", *rec.Description)
	require.NotNil(t, rec.Avatar)
	assert.Equal(t, "bafkreihdwdcefgh4dqkjv67uzcmw7o", rec.Avatar.Cid)
	assert.Equal(t, "image/jpeg", rec.Avatar.MimeType)
	assert.Nil(t, rec.Banner)
}

func TestParseProfileRecordAllFieldsOptional(t *testing.T) {
	rec, err := parseProfileRecord(map[string]any{"$type": ProfileCollection})
	require.NoError(t, err)
	assert.Nil(t, rec.DisplayName)
	assert.Nil(t, rec.Description)
	assert.Nil(t, rec.Avatar)
	assert.Nil(t, rec.Banner)
}

func TestParseProfileRecordLegacyBlob(t *testing.T) {
	rec, err := parseProfileRecord(map[string]any{
		"$type": ProfileCollection,
		"avatar": map[string]any{
			"cid":      "bafylegacyavatarcid",
			"mimeType": "image/png",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Avatar)
	assert.Equal(t, "bafylegacyavatarcid", rec.Avatar.Cid)
	assert.Equal(t, "image/png", rec.Avatar.MimeType)
}

func TestParseProfileRecordRejectsBadPayloads(t *testing.T) {
	_, err := parseProfileRecord(nil)
	assert.Error(t, err)

	_, err = parseProfileRecord(map[string]any{"$type": "app.bsky.feed.post"})
	assert.Error(t, err)

	_, err = parseProfileRecord(map[string]any{"$type": ProfileCollection, "displayName": 7})
	assert.Error(t, err)

	_, err = parseProfileRecord(map[string]any{
		"$type":       ProfileCollection,
		"displayName": strings.Repeat("a", maxDisplayNameLen+1),
	})
	assert.Error(t, err)

	_, err = parseProfileRecord(map[string]any{
		"$type":  ProfileCollection,
		"avatar": map[string]any{"mimeType": "image/png"},
	})
	assert.Error(t, err)
}
