package search

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	meili "github.com/meilisearch/meilisearch-go"
	log "github.com/sirupsen/logrus"
)

const (
	idxCards = "taskboard_cards"
	// maxTotalHits is how deep ranked results can be paged. Meilisearch
	// defaults to 1000.
	maxTotalHits = 100000
)

// Meili implements CardSearcher and CardIndexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the card index. An
// unreachable server is not an error: the health loop picks it up later.
func NewMeili(url, apiKey string, healthInterval time.Duration) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.WithError(err).WithField("url", url).Warn("search: meilisearch unavailable")
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	if healthInterval <= 0 {
		healthInterval = 10 * time.Second
	}
	go m.healthLoop(healthInterval)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxCards, PrimaryKey: "id"}); err != nil {
		log.WithError(err).Debug("search: create card index (may already exist)")
	}
	index := m.client.Index(idxCards)
	filterable := []interface{}{"board_id"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.WithError(err).Warn("search: update filterable attributes")
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.WithError(err).Warn("search: update searchable attributes")
	}
	if _, err := index.UpdatePagination(&meili.Pagination{MaxTotalHits: maxTotalHits}); err != nil {
		log.WithError(err).Warn("search: update pagination")
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				log.Info("search: meilisearch recovered, reconfiguring card index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// SearchCards asks for one page in Meilisearch's page mode so TotalHits is
// an exact count rather than an estimate.
func (m *Meili) SearchCards(ctx context.Context, boardID int64, text string, page, limit int) (Hits, error) {
	if !m.healthy.Load() {
		return Hits{}, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 || page < 0 || page >= maxTotalHits/limit {
		return Hits{IDs: []int64{}, Total: m.countCards(ctx, boardID, text)}, nil
	}
	resp, err := m.client.MultiSearchWithContext(ctx, &meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{m.cardQuery(boardID, text, int64(page)+1, int64(limit))},
	})
	if err != nil {
		m.healthy.Store(false)
		return Hits{}, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	hits := Hits{IDs: []int64{}}
	for _, result := range resp.Results {
		hits.Total += int(result.TotalHits)
		for _, hit := range result.Hits {
			raw, ok := hit["id"]
			if !ok {
				continue
			}
			var id int64
			if err := sonic.Unmarshal(raw, &id); err != nil {
				continue
			}
			hits.IDs = append(hits.IDs, id)
		}
	}
	return hits, nil
}

// countCards reports the match count for pages past maxTotalHits, which
// Meilisearch would answer with an error.
func (m *Meili) countCards(ctx context.Context, boardID int64, text string) int {
	resp, err := m.client.MultiSearchWithContext(ctx, &meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{m.cardQuery(boardID, text, 1, 1)},
	})
	if err != nil {
		return 0
	}
	total := 0
	for _, result := range resp.Results {
		total += int(result.TotalHits)
	}
	return total
}

func (m *Meili) cardQuery(boardID int64, text string, page, limit int64) *meili.SearchRequest {
	return &meili.SearchRequest{
		IndexUID:             idxCards,
		Query:                text,
		Page:                 page,
		HitsPerPage:          limit,
		Filter:               fmt.Sprintf("board_id = %d", boardID),
		AttributesToRetrieve: []string{"id"},
	}
}

// IndexCards adds or replaces cards in the index.
func (m *Meili) IndexCards(cards []CardRecord) error {
	if len(cards) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCards).AddDocuments(cards, nil)
	return err
}
