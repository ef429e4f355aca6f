// Package search backs free-text card lookups. The card list `q` filter is
// always a store-side title or description substring match, so its results
// and totals never depend on the index. Meilisearch serves the separate
// relevance-ranked board search when it is healthy.
package search

import "context"

// CardRecord is the data indexed for a card.
type CardRecord struct {
	ID          int64  `json:"id"`
	BoardID     int64  `json:"board_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Hits is one page of ranked card ids plus the number of matches overall.
type Hits struct {
	IDs   []int64
	Total int
}

// CardSearcher ranks the cards on a board by relevance to text. page is
// 0-based.
type CardSearcher interface {
	SearchCards(ctx context.Context, boardID int64, text string, page, limit int) (Hits, error)
	Healthy() bool
}

// CardIndexer pushes cards into a search index.
type CardIndexer interface {
	IndexCards(cards []CardRecord) error
}
