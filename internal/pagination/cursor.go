// Package pagination implements keyset cursors for newest-first listings.
//
// A cursor names the (created_at, id) of the last row served and the scope
// it was issued for, so a cursor from one wallet's history cannot page
// through another's.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for undecodable or foreign cursors.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position after which the next page starts.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether a row keyed (createdAt, id) belongs on the page
// following c in newest-first order, ties broken by descending id.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque cursor bound to scope.
func Encode(scope string, createdAt time.Time, id string) string {
	raw := scope + "\x00" + strconv.FormatInt(createdAt.UnixNano(), 10) + "\x00" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor issued for scope. Empty input means the first
// page and returns nil.
func Decode(scope, s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 || parts[0] != scope || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}

// Page trims items fetched with limit+1 rows down to limit and returns the
// cursor for the next page when more rows exist.
func Page[T any](items []T, limit int, scope string, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(scope, createdAt, id), true
}
