// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor marks the last row of a page by creation time and numeric ID.
// Clients treat it as an opaque token; the encoding may change between
// releases.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a result set ordered newest first.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// Encode packs a row key into an opaque token.
func Encode(createdAt time.Time, id int64) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + strconv.FormatInt(id, 10)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token decodes to nil,
// meaning "start from the top".
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanosPart, idPart, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a slice fetched with limit+1 rows down to the page and
// derives the next cursor. key extracts (createdAt, id) from an item.
// The returned bool reports whether more rows exist past this page.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, int64)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
