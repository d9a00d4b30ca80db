package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const idxMessages = "cord_messages"

// Meili indexes and searches messages in Meilisearch. Calls go through a
// circuit breaker so an unhealthy cluster fails fast.
type Meili struct {
	client  meili.ServiceManager
	breaker *gobreaker.CircuitBreaker
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.Logger
}

// NewMeili connects to Meilisearch and configures the message index. The
// returned value is usable even when the cluster is down; Healthy reports it.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	m := newMeili(meili.New(url, meili.WithAPIKey(apiKey)), log)
	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func newMeili(client meili.ServiceManager, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{client: client, done: make(chan struct{}), log: log}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "meilisearch",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxMessages, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxMessages), zap.Error(err))
	}
	index := m.client.Index(idxMessages)
	filterable := []interface{}{"appId", "groupId", "threadId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"plaintext"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.Error(err))
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("update sortable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load() && m.breaker.State() != gobreaker.StateOpen
}

func (m *Meili) Search(_ context.Context, q Query) ([]string, error) {
	if !m.Healthy() {
		return nil, ErrUnavailable
	}
	filter := searchFilter(q)
	out, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.Index(idxMessages).Search(q.Text, &meili.SearchRequest{
			Limit:                int64(normalizeLimit(q.Limit)),
			Filter:               filter,
			AttributesToRetrieve: []string{"id"},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}
	resp := out.(*meili.SearchResponse)
	ids := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if id := decodeString(hit, "id"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func searchFilter(q Query) string {
	clauses := []string{fmt.Sprintf("appId = %q", q.AppID)}
	if q.GroupIDs != nil {
		if len(q.GroupIDs) == 0 {
			// No visible groups: match nothing.
			clauses = append(clauses, `groupId IN []`)
		} else {
			quoted := make([]string, len(q.GroupIDs))
			for i, g := range q.GroupIDs {
				quoted[i] = fmt.Sprintf("%q", g)
			}
			clauses = append(clauses, "groupId IN ["+strings.Join(quoted, ", ")+"]")
		}
	}
	return strings.Join(clauses, " AND ")
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.Index(idxMessages).AddDocuments(records, nil)
	})
	return err
}

func (m *Meili) DeleteMessage(id string) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.Index(idxMessages).DeleteDocument(id, nil)
	})
	return err
}
