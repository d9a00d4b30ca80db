package search

import (
	"context"
	"strings"

	"cord/api/internal/store"
)

// MessageStore is the part of the store used when Meilisearch is missing or
// unhealthy.
type MessageStore interface {
	SearchMessages(ctx context.Context, appID, text string, groupIDs []string, limit int) ([]store.Message, error)
}

// StoreSearcher answers queries from the primary store.
type StoreSearcher struct {
	store MessageStore
}

func NewStoreSearcher(s MessageStore) *StoreSearcher {
	return &StoreSearcher{store: s}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]string, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	messages, err := s.store.SearchMessages(ctx, q.AppID, q.Text, q.GroupIDs, normalizeLimit(q.Limit))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids, nil
}
