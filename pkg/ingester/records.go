package ingester

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/atproto/data"
)

const (
	// StatusCollection is the record collection the ingester exists for.
	StatusCollection = "xyz.statusphere.status"
	// ProfileCollection is handled when present in the filter set, but the
	// profile subscription is optional; the pull path is the primary source.
	ProfileCollection = "app.bsky.actor.profile"

	maxStatusLen      = 32
	maxDisplayNameLen = 640
	maxDescriptionLen = 2560
)

// StatusRecord is a validated xyz.statusphere.status payload.
type StatusRecord struct {
	Status    string
	CreatedAt time.Time
}

// parseStatusRecord validates an untyped record payload. Incoming stream data
// is never trusted until every field checks out; validation failures are
// per-event and recoverable.
func parseStatusRecord(rec map[string]any) (*StatusRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("missing record payload")
	}
	if t, ok := rec["$type"].(string); ok && t != StatusCollection {
		return nil, fmt.Errorf("unexpected record type %q", t)
	}

	status, ok := rec["status"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or non-string status field")
	}
	if len(status) == 0 || len(status) > maxStatusLen || !utf8.ValidString(status) {
		return nil, fmt.Errorf("status field out of bounds (%d bytes)", len(status))
	}

	createdAtRaw, ok := rec["createdAt"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or non-string createdAt field")
	}
	createdAt, err := dateparse.ParseAny(createdAtRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt: %w", err)
	}

	return &StatusRecord{
		Status:    status,
		CreatedAt: createdAt,
	}, nil
}

// BlobRef is the reference half of a blob: content id plus declared media
// type. Media bytes are never cached.
type BlobRef struct {
	Cid      string
	MimeType string
}

// ProfileRecord is a validated app.bsky.actor.profile payload. All fields
// are optional in the lexicon.
type ProfileRecord struct {
	DisplayName *string
	Description *string
	Avatar      *BlobRef
	Banner      *BlobRef
}

func parseProfileRecord(rec map[string]any) (*ProfileRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("missing record payload")
	}
	if t, ok := rec["$type"].(string); ok && t != ProfileCollection {
		return nil, fmt.Errorf("unexpected record type %q", t)
	}

	var p ProfileRecord

	if raw, present := rec["displayName"]; present {
		v, err := optionalString(raw, maxDisplayNameLen)
		if err != nil {
			return nil, fmt.Errorf("invalid displayName: %w", err)
		}
		p.DisplayName = v
	}
	if raw, present := rec["description"]; present {
		v, err := optionalString(raw, maxDescriptionLen)
		if err != nil {
			return nil, fmt.Errorf("invalid description: %w", err)
		}
		p.Description = v
	}
	if raw, present := rec["avatar"]; present {
		ref, err := extractBlobRef(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid avatar: %w", err)
		}
		p.Avatar = ref
	}
	if raw, present := rec["banner"]; present {
		ref, err := extractBlobRef(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid banner: %w", err)
		}
		p.Banner = ref
	}

	return &p, nil
}

func optionalString(raw any, maxLen int) (*string, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("not a string")
	}
	if len(s) > maxLen || !utf8.ValidString(s) {
		return nil, fmt.Errorf("out of bounds (%d bytes)", len(s))
	}
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

// extractBlobRef pulls the CID and mime type out of a blob value. Payloads
// decoded from CBOR carry data.Blob values; payloads decoded from JSON carry
// plain maps, in either the current or the legacy blob shape.
func extractBlobRef(raw any) (*BlobRef, error) {
	switch b := raw.(type) {
	case data.Blob:
		return &BlobRef{Cid: b.Ref.String(), MimeType: b.MimeType}, nil
	case *data.Blob:
		return &BlobRef{Cid: b.Ref.String(), MimeType: b.MimeType}, nil
	case map[string]any:
		mime, _ := b["mimeType"].(string)
		if ref, ok := b["ref"].(map[string]any); ok {
			if link, ok := ref["$link"].(string); ok && link != "" {
				return &BlobRef{Cid: link, MimeType: mime}, nil
			}
		}
		// legacy blob: string cid, no size
		if cid, ok := b["cid"].(string); ok && cid != "" {
			return &BlobRef{Cid: cid, MimeType: mime}, nil
		}
		return nil, fmt.Errorf("blob map missing ref")
	default:
		return nil, fmt.Errorf("unsupported blob value %T", raw)
	}
}
