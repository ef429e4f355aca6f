package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/api/internal/idempotency"
	"taskboard/api/internal/store"
)

func newReplayEnv(t *testing.T, dataStore projectStore, mem *store.MemoryStore) (*testEnv, *idempotency.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	replay := idempotency.NewRedisStoreWithClient(client, time.Hour)
	return newTestEnvWith(t, testConfig(), dataStore, mem, replay), replay, mr
}

func cardBody(boardID, stageID, title string) string {
	return `{"board_id":"` + boardID + `","stage_id":"` + stageID + `","title":"` + title + `"}`
}

func TestIdempotentCreateReplays(t *testing.T) {
	mem := store.NewMemoryStore()
	env, _, _ := newReplayEnv(t, mem, mem)
	alice := env.login("alice", "contributor")
	carol := env.login("carol", "contributor")
	boardID, stageID := env.seedBoard(alice, "Ops", "team")
	key := map[string]string{idempotencyKeyHeader: "create-1"}

	first := env.request(http.MethodPost, "/api/v1/cards", alice, cardBody(boardID, stageID, "Deploy"), key)
	if first.Code != http.StatusCreated || first.Header().Get(replayHeader) != "" {
		t.Fatalf("expected a fresh 201, got %d %v", first.Code, first.Header())
	}
	retry := env.request(http.MethodPost, "/api/v1/cards", alice, cardBody(boardID, stageID, "Deploy"), key)
	if retry.Code != http.StatusCreated || retry.Header().Get(replayHeader) != "true" {
		t.Fatalf("expected a replayed 201, got %d %v", retry.Code, retry.Header())
	}
	firstID := object(t, decode(t, first), "card")["card_id"]
	if replayedID := object(t, decode(t, retry), "card")["card_id"]; replayedID != firstID {
		t.Fatalf("replay returned %v, want %v", replayedID, firstID)
	}

	// Keys are scoped to the caller.
	other := env.request(http.MethodPost, "/api/v1/cards", carol, cardBody(boardID, stageID, "Deploy"), key)
	if other.Code != http.StatusCreated || other.Header().Get(replayHeader) != "" {
		t.Fatalf("another user's key must not replay, got %d %v", other.Code, other.Header())
	}
	if object(t, decode(t, other), "card")["card_id"] == firstID {
		t.Fatal("another user's request must create its own card")
	}

	unkeyed := env.request(http.MethodPost, "/api/v1/cards", alice, cardBody(boardID, stageID, "Deploy"), nil)
	if unkeyed.Code != http.StatusCreated {
		t.Fatalf("expected 201 without a key, got %d", unkeyed.Code)
	}
	if total := env.call(http.MethodGet, "/api/v1/boards/"+boardID+"/cards", alice, "", http.StatusOK)["total"]; total != float64(3) {
		t.Fatalf("expected 3 cards, got %v", total)
	}
}

func TestIdempotentValidationErrorsReplay(t *testing.T) {
	mem := store.NewMemoryStore()
	env, _, _ := newReplayEnv(t, mem, mem)
	alice := env.login("alice", "contributor")
	key := map[string]string{idempotencyKeyHeader: "bad-board"}

	first := env.request(http.MethodPost, "/api/v1/boards", alice, `{"name":""}`, key)
	if first.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", first.Code)
	}
	retry := env.request(http.MethodPost, "/api/v1/boards", alice, `{"name":"Fixed"}`, key)
	if retry.Code != http.StatusUnprocessableEntity || retry.Header().Get(replayHeader) != "true" {
		t.Fatalf("expected the stored 422 to replay, got %d %v", retry.Code, retry.Header())
	}
}

func TestIdempotencyKeyInFlight(t *testing.T) {
	mem := store.NewMemoryStore()
	env, replay, _ := newReplayEnv(t, mem, mem)
	alice := env.login("alice", "contributor")
	boardID, stageID := env.seedBoard(alice, "Ops", "team")
	cardID := env.seedCard(alice, boardID, stageID, "Deploy")

	user, err := mem.UserByLogin(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup alice: %v", err)
	}
	path := "/api/v1/cards/" + cardID + "/comments"
	if _, err := replay.Begin(context.Background(), idempotency.Key(user.ID, path, "comment-1")); err != nil {
		t.Fatalf("claim key: %v", err)
	}

	rr := env.request(http.MethodPost, path, alice, `{"body_md":"retry"}`, map[string]string{idempotencyKeyHeader: "comment-1"})
	if rr.Code != http.StatusConflict || errorCode(t, rr) != CodeValidation {
		t.Fatalf("expected 409 while the key is held, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestIdempotencyReleasesOnServerError(t *testing.T) {
	failures := 1
	fs := &fakeStore{MemoryStore: store.NewMemoryStore()}
	fs.createTaskFn = func(ctx context.Context, caller store.Caller, in store.TaskInput) (store.Task, error) {
		if failures > 0 {
			failures--
			return store.Task{}, errors.New("deadlock detected")
		}
		return fs.MemoryStore.CreateTask(ctx, caller, in)
	}
	env, _, _ := newReplayEnv(t, fs, fs.MemoryStore)
	alice := env.login("alice", "contributor")
	boardID, stageID := env.seedBoard(alice, "Ops", "team")
	key := map[string]string{idempotencyKeyHeader: "retry-me"}

	failed := env.request(http.MethodPost, "/api/v1/cards", alice, cardBody(boardID, stageID, "Deploy"), key)
	if failed.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", failed.Code)
	}
	retry := env.request(http.MethodPost, "/api/v1/cards", alice, cardBody(boardID, stageID, "Deploy"), key)
	if retry.Code != http.StatusCreated || retry.Header().Get(replayHeader) != "" {
		t.Fatalf("expected the retry to run again, got %d %v", retry.Code, retry.Header())
	}
}

func TestIdempotencyFailsOpenWhenRedisIsDown(t *testing.T) {
	mem := store.NewMemoryStore()
	env, _, mr := newReplayEnv(t, mem, mem)
	alice := env.login("alice", "contributor")
	mr.Close()

	key := map[string]string{idempotencyKeyHeader: "board-1"}
	for i := 0; i < 2; i++ {
		rr := env.request(http.MethodPost, "/api/v1/boards", alice, `{"name":"Ops"}`, key)
		if rr.Code != http.StatusCreated || rr.Header().Get(replayHeader) != "" {
			t.Fatalf("attempt %d: expected an unreplayed 201, got %d %v", i, rr.Code, rr.Header())
		}
	}

	ready := env.request(http.MethodGet, "/api/ready", "", "", nil)
	if ready.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected ready to report redis down, got %d", ready.Code)
	}
}

func TestReadyReportsRedis(t *testing.T) {
	mem := store.NewMemoryStore()
	env, _, _ := newReplayEnv(t, mem, mem)
	rr := env.request(http.MethodGet, "/api/ready", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	checks := object(t, decode(t, rr), "checks")
	if object(t, checks, "redis")["status"] != "ok" {
		t.Fatalf("expected redis ok, got %v", checks)
	}
}
