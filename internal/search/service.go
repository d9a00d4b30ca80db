package search

import (
	"context"

	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) ([]string, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.Search(ctx, q)
		if err == nil {
			return ids, nil
		}
		s.log.Warn("meilisearch error, falling back to store search", zap.Error(err))
	}
	if s.fallback == nil {
		return nil, ErrUnavailable
	}
	return s.fallback.Search(ctx, q)
}

// IndexMessage pushes a message to Meilisearch without waiting.
func (s *Service) IndexMessage(record MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessages([]MessageRecord{record}); err != nil {
			s.log.Warn("index message", zap.String("message_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteMessage removes a message from Meilisearch without waiting.
func (s *Service) DeleteMessage(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMessage(id); err != nil {
			s.log.Warn("delete message from index", zap.String("message_id", id), zap.Error(err))
		}
	}()
}

// Reindex bulk-loads records into Meilisearch.
func (s *Service) Reindex(records []MessageRecord) error {
	if s.meili == nil {
		return ErrUnavailable
	}
	return s.meili.IndexMessages(records)
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
