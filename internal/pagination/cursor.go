// Package pagination provides keyset cursors over (created_at, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursor strings Decode cannot parse.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (created_at, id) key of the last row of a page. The next
// page starts strictly after it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// At returns the cursor positioned on the given key.
func At(createdAt time.Time, id string) *Cursor {
	return &Cursor{CreatedAt: createdAt, ID: id}
}

// Before reports whether the key (createdAt, id) sorts at or before c, so
// a page resuming from c must skip it. A nil cursor precedes everything.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return false
	}
	if createdAt.Equal(c.CreatedAt) {
		return id <= c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// String encodes the cursor as an opaque token.
func (c *Cursor) String() string {
	if c == nil {
		return ""
	}
	return Encode(c.CreatedAt, c.ID)
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return At(time.Unix(0, n).UTC(), id), nil
}

// ComputePage takes a slice of items fetched with limit+1 and trims it to
// limit. It returns the trimmed items, the cursor token for the next page
// and whether more rows exist.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
