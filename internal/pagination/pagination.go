// Package pagination implements keyset cursors over (created timestamp, id)
// ordered listings.
//
// Tokens encode the sort key of the last item returned. Continuing from a
// token uses a strict comparison against that key, so pages never overlap and
// keep the listing order. Items created while a client is paging appear only
// if their key sorts after the cursor; rows inserted with an older timestamp
// than the cursor are not seen by that pagination run, and Total is recomputed
// on every call.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

var ErrInvalidToken = errors.New("invalid pagination token")

type Direction int

const (
	Descending Direction = iota
	Ascending
)

// Cursor is the sort key of a single row.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

type Request struct {
	Token     string
	Limit     int
	Direction Direction
}

type Page[T any] struct {
	Items   []T
	Token   string
	HasMore bool
	Total   int
}

// NormalizeLimit clamps a requested page size into [1, MaxLimit].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func Encode(c Cursor) string {
	payload, err := json.Marshal(Cursor{CreatedAt: c.CreatedAt.UTC(), ID: c.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

// Decode parses a token. An empty token means "start from the beginning" and
// returns ok=false.
func Decode(token string) (cursor Cursor, ok bool, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if cursor.ID == "" || cursor.CreatedAt.IsZero() {
		return Cursor{}, false, ErrInvalidToken
	}
	return cursor, true, nil
}

// Less reports whether a sorts before b in the given direction.
func Less(a, b Cursor, dir Direction) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if dir == Ascending {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	}
	if dir == Ascending {
		return a.ID < b.ID
	}
	return a.ID > b.ID
}

// Apply pages through an in-memory slice holding the complete filtered set.
// The slice is sorted in place.
func Apply[T any](items []T, key func(T) Cursor, req Request) (Page[T], error) {
	limit := NormalizeLimit(req.Limit)
	after, hasAfter, err := Decode(req.Token)
	if err != nil {
		return Page[T]{}, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return Less(key(items[i]), key(items[j]), req.Direction)
	})

	start := 0
	if hasAfter {
		start = sort.Search(len(items), func(i int) bool {
			return Less(after, key(items[i]), req.Direction)
		})
	}

	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	pageItems := make([]T, end-start)
	copy(pageItems, items[start:end])

	page := Page[T]{Items: pageItems, Total: len(items), HasMore: end < len(items)}
	if page.HasMore && len(pageItems) > 0 {
		page.Token = Encode(key(pageItems[len(pageItems)-1]))
	}
	return page, nil
}

// Finish builds a page from rows fetched with limit+1, the usual SQL pattern.
func Finish[T any](rows []T, key func(T) Cursor, limit, total int) Page[T] {
	limit = NormalizeLimit(limit)
	page := Page[T]{Items: rows, Total: total}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
		page.Token = Encode(key(page.Items[len(page.Items)-1]))
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}
