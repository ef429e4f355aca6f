package app

import (
	"context"
	"net/http"
	"testing"

	"taskboard/api/internal/ids"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

// fakeIndex answers ranked searches with a fixed page of hits.
type fakeIndex struct {
	hits    search.Hits
	healthy bool
}

func (f *fakeIndex) Ranked(context.Context, int64, string, int, int) (search.Hits, bool) {
	return f.hits, f.healthy
}

func (f *fakeIndex) IndexCard(search.CardRecord) {}

func (f *fakeIndex) Reindex([]search.CardRecord) {}

func cardNumber(t *testing.T, cardID string) int64 {
	t.Helper()
	id, err := ids.Decode(ids.KindTask, cardID)
	if err != nil {
		t.Fatalf("decode %s: %v", cardID, err)
	}
	return id
}

func cardIDs(t *testing.T, payload map[string]any) []string {
	t.Helper()
	var out []string
	for _, c := range list(t, payload, "cards") {
		out = append(out, c.(map[string]any)["card_id"].(string))
	}
	return out
}

func TestCardQueryIgnoresIndex(t *testing.T) {
	index := &fakeIndex{healthy: true}
	mem := store.NewMemoryStore()
	env := newSearchEnv(t, testConfig(), mem, mem, nil, index)
	alice := env.login("alice", "contributor")
	boardID, stageID := env.seedBoard(alice, "Finance", "team")
	reconcile := env.seedCard(alice, boardID, stageID, "Reconcile ledgers")
	council := env.seedCard(alice, boardID, stageID, "Council notes")
	env.seedCard(alice, boardID, stageID, "Deploy API")

	// The index only knows one of the two matches.
	index.hits = search.Hits{IDs: []int64{cardNumber(t, council)}, Total: 1}

	payload := env.call(http.MethodGet, "/api/v1/boards/"+boardID+"/cards?q=concil", alice, "", http.StatusOK)
	if payload["total"] != float64(2) {
		t.Fatalf("expected total 2 from the substring match, got %v", payload["total"])
	}
	got := cardIDs(t, payload)
	if len(got) != 2 || got[0] != reconcile || got[1] != council {
		t.Fatalf("expected cards in board order, got %v", got)
	}

	payload = env.call(http.MethodGet, "/api/v1/boards/"+boardID+"/cards?q=concil&limit=1&page=1", alice, "", http.StatusOK)
	if payload["total"] != float64(2) || len(list(t, payload, "cards")) != 1 {
		t.Fatalf("expected the second page of two matches, got %v", payload)
	}
}

func TestBoardSearchRanked(t *testing.T) {
	index := &fakeIndex{healthy: true}
	mem := store.NewMemoryStore()
	env := newSearchEnv(t, testConfig(), mem, mem, nil, index)
	alice := env.login("alice", "contributor")
	boardID, stageID := env.seedBoard(alice, "Finance", "team")
	reconcile := env.seedCard(alice, boardID, stageID, "Reconcile ledgers")
	council := env.seedCard(alice, boardID, stageID, "Council notes")

	// A stale id the store no longer has is skipped.
	index.hits = search.Hits{IDs: []int64{cardNumber(t, council), 999999, cardNumber(t, reconcile)}, Total: 2}

	payload := env.call(http.MethodGet, "/api/v1/boards/"+boardID+"/search?q=concil", alice, "", http.StatusOK)
	if payload["engine"] != "meilisearch" || payload["total"] != float64(2) {
		t.Fatalf("unexpected ranked payload %v", payload)
	}
	got := cardIDs(t, payload)
	if len(got) != 2 || got[0] != council || got[1] != reconcile {
		t.Fatalf("expected ranked order, got %v", got)
	}

	index.healthy = false
	payload = env.call(http.MethodGet, "/api/v1/boards/"+boardID+"/search?q=concil", alice, "", http.StatusOK)
	if payload["engine"] != "substring" || payload["total"] != float64(2) {
		t.Fatalf("unexpected fallback payload %v", payload)
	}
	got = cardIDs(t, payload)
	if len(got) != 2 || got[0] != reconcile || got[1] != council {
		t.Fatalf("expected board order from the fallback, got %v", got)
	}
}

func TestBoardSearchValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login("alice", "contributor")
	carol := env.login("carol", "contributor")
	boardID, _ := env.seedBoard(alice, "Private", "private")

	rr := env.request(http.MethodGet, "/api/v1/boards/"+boardID+"/search?q=%20", alice, "", nil)
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != CodeValidation {
		t.Fatalf("expected 422 for blank q, got %d %s", rr.Code, rr.Body.String())
	}
	rr = env.request(http.MethodGet, "/api/v1/boards/"+boardID+"/search?q=x", carol, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected a hidden board to look missing, got %d", rr.Code)
	}
	rr = env.request(http.MethodPost, "/api/v1/boards/"+boardID+"/search?q=x", alice, "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
