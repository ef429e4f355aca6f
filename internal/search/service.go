package search

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/query"
)

// Service ranks cards through Meilisearch and indexes them there.
type Service struct {
	searcher CardSearcher
	indexer  CardIndexer
}

// NewService creates a search service. m may be nil when Meilisearch is not
// configured.
func NewService(m *Meili) *Service {
	if m == nil {
		return &Service{}
	}
	return &Service{searcher: m, indexer: m}
}

// Ranked returns one page of the cards on boardID ranked by relevance to
// text. ok is false when no healthy index can answer, in which case callers
// fall back to TextFilter.
func (s *Service) Ranked(ctx context.Context, boardID int64, text string, page, limit int) (Hits, bool) {
	if s == nil || s.searcher == nil || !s.searcher.Healthy() {
		return Hits{}, false
	}
	hits, err := s.searcher.SearchCards(ctx, boardID, strings.TrimSpace(text), page, limit)
	if err != nil {
		log.WithError(err).Warn("search: meilisearch error, falling back to store match")
		return Hits{}, false
	}
	return hits, true
}

// TextFilter is the case-insensitive title or description substring match.
// Blank text does not filter.
func TextFilter(text string) query.Expr {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return query.Any(
		query.Where("name", query.OpContains, text),
		query.Where("description", query.OpContains, text),
	)
}

// IndexCard indexes a card (fire-and-forget).
func (s *Service) IndexCard(card CardRecord) {
	if s == nil || s.indexer == nil || (s.searcher != nil && !s.searcher.Healthy()) {
		return
	}
	go func() {
		if err := s.indexer.IndexCards([]CardRecord{card}); err != nil {
			log.WithError(err).WithField("card_id", card.ID).Warn("search: index card")
		}
	}()
}

// Reindex pushes every card to the index. Called once at startup.
func (s *Service) Reindex(cards []CardRecord) {
	if s == nil || s.indexer == nil || (s.searcher != nil && !s.searcher.Healthy()) {
		return
	}
	if err := s.indexer.IndexCards(cards); err != nil {
		log.WithError(err).Warn("search: reindex cards")
		return
	}
	log.WithField("cards", len(cards)).Info("search: card index rebuilt")
}
