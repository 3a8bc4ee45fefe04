package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultPageSize applies when a query does not specify a limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single page.
	MaxPageSize = 1000
)

// EffectiveLimit returns the page size to use for a requested limit.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// CursorData is the decoded position of a pagination cursor. Pages are
// ordered by (created_at DESC, id) so the pair identifies a stable resume
// point.
type CursorData struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// EncodeCursor renders a resume point as an opaque token.
func EncodeCursor(createdAt time.Time, id string) string {
	data, err := json.Marshal(CursorData{CreatedAt: createdAt, ID: id})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque token back into a resume point. An empty
// cursor decodes to nil, meaning "start from the newest row".
func DecodeCursor(cursor string) (*CursorData, error) {
	if cursor == "" {
		return nil, nil
	}

	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	var data CursorData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid cursor data: %w", err)
	}
	if data.ID == "" {
		return nil, fmt.Errorf("invalid cursor: missing id")
	}

	return &data, nil
}
