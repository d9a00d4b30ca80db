package search

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("search backend unavailable")

// Query describes a message search scoped to one application.
type Query struct {
	AppID string
	Text  string
	// GroupIDs restricts hits to threads in these groups. Nil means no restriction.
	GroupIDs []string
	Limit    int
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID        string `json:"id"`
	AppID     string `json:"appId"`
	ThreadID  string `json:"threadId"`
	GroupID   string `json:"groupId"`
	AuthorID  string `json:"authorId"`
	Plaintext string `json:"plaintext"`
	CreatedAt int64  `json:"createdAt"`
}

// Searcher returns internal message ids, best match first.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]string, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
