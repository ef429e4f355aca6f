package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/idempotency"
	"taskboard/api/internal/paging"
	"taskboard/api/internal/store"
)

// ReplayStore keeps the first response of keyed POST requests.
type ReplayStore interface {
	Begin(ctx context.Context, key string) (*idempotency.Response, error)
	Complete(ctx context.Context, key string, resp idempotency.Response) error
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service      *Service
	replay       ReplayStore
	corsOrigin   string
	maxBodyBytes int64
	exposeErrors bool
}

// NewHTTPServer builds the API transport. replay may be nil, which disables
// Idempotency-Key handling.
func NewHTTPServer(service *Service, cfg config.Config, replay ReplayStore) *HTTPServer {
	return &HTTPServer{
		service:      service,
		replay:       replay,
		corsOrigin:   cfg.CORSOrigin,
		maxBodyBytes: cfg.MaxBodyBytes,
		exposeErrors: cfg.ExposeInternalErrors,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contract_version": ContractVersion})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	switch parts[2] {
	case "boards":
		s.handleBoards(w, r, caller, parts[3:])
	case "cards":
		s.handleCards(w, r, caller, parts[3:])
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if s.replay != nil {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.replay.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleBoards serves /api/v1/boards[/{board_id}[/cards|/search|/stages]].
func (s *HTTPServer) handleBoards(w http.ResponseWriter, r *http.Request, caller store.Caller, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			window, err := paging.Parse(r.URL.Query().Get("page"), r.URL.Query().Get("limit"), paging.DefaultBoardLimit)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			page, err := s.service.ListBoards(r.Context(), caller, window)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, page.Fields("boards"))
		case http.MethodPost:
			s.idempotent(w, r, caller, func(w http.ResponseWriter) {
				var body CreateBoardInput
				if err := s.decodeBody(r, &body); err != nil {
					s.respondError(w, r, err)
					return
				}
				board, err := s.service.CreateBoard(r.Context(), caller, body)
				if err != nil {
					s.respondError(w, r, err)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]any{"board": board})
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
		}
		return
	}

	boardID, err := decodeBoardID(parts[0])
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		board, err := s.service.GetBoard(r.Context(), caller, boardID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"board": board})

	case len(parts) == 2 && parts[1] == "cards" && r.Method == http.MethodGet:
		q := r.URL.Query()
		window, err := paging.Parse(q.Get("page"), q.Get("limit"), paging.DefaultCardLimit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		page, err := s.service.ListCards(r.Context(), caller, boardID, CardFilterInput{
			Stage:   q.Get("stage"),
			Tag:     q.Get("tag"),
			Owner:   q.Get("owner"),
			DueFrom: q.Get("due_from"),
			DueTo:   q.Get("due_to"),
			Text:    q.Get("q"),
		}, window)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page.Fields("cards"))

	case len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodGet:
		q := r.URL.Query()
		window, err := paging.Parse(q.Get("page"), q.Get("limit"), paging.DefaultCardLimit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		page, engine, err := s.service.SearchCards(r.Context(), caller, boardID, q.Get("q"), window)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		payload := page.Fields("cards")
		payload["engine"] = engine
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 2 && parts[1] == "stages" && r.Method == http.MethodPost:
		var body CreateStageInput
		if err := s.decodeBody(r, &body); err != nil {
			s.respondError(w, r, err)
			return
		}
		stage, err := s.service.CreateStage(r.Context(), caller, boardID, body)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"stage": stage})

	case len(parts) == 1 || (len(parts) == 2 && (parts[1] == "cards" || parts[1] == "search" || parts[1] == "stages")):
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

// handleCards serves /api/v1/cards[/{card_id}[/activity|/comments]].
func (s *HTTPServer) handleCards(w http.ResponseWriter, r *http.Request, caller store.Caller, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
			return
		}
		s.idempotent(w, r, caller, func(w http.ResponseWriter) {
			var body CreateCardInput
			if err := s.decodeBody(r, &body); err != nil {
				s.respondError(w, r, err)
				return
			}
			card, err := s.service.CreateCard(r.Context(), caller, body)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"card": card})
		})
		return
	}

	cardID, err := decodeCardID(parts[0])
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		card, err := s.service.GetCard(r.Context(), caller, cardID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"card": card})

	case len(parts) == 1 && r.Method == http.MethodPatch:
		raw, err := s.readBody(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		var body UpdateCardInput
		if err := decodeJSON(raw, &body); err != nil {
			s.respondError(w, r, err)
			return
		}
		if body.Null, err = nullFields(raw); err != nil {
			s.respondError(w, r, err)
			return
		}
		card, err := s.service.UpdateCard(r.Context(), caller, cardID, body)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"card": card})

	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodGet:
		q := r.URL.Query()
		window, err := paging.Parse(q.Get("page"), q.Get("limit"), paging.DefaultActivityLimit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		page, err := s.service.ListActivity(r.Context(), caller, cardID, q.Get("activity_type"), window)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page.Fields("activities"))

	case len(parts) == 2 && parts[1] == "comments" && r.Method == http.MethodPost:
		s.idempotent(w, r, caller, func(w http.ResponseWriter) {
			var body CommentInput
			if err := s.decodeBody(r, &body); err != nil {
				s.respondError(w, r, err)
				return
			}
			event, err := s.service.PostComment(r.Context(), caller, cardID, body)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"activity": event})
		})

	case len(parts) == 1 || (len(parts) == 2 && (parts[1] == "activity" || parts[1] == "comments")):
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (store.Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return store.Caller{}, false
	}
	caller, err := s.service.CallerFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return store.Caller{}, false
		}
		s.respondError(w, r, err)
		return store.Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set(contractHeader, ContractVersion)
		if r.Body != nil && s.maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(writer, r.Body, s.maxBodyBytes)
		}

		logger := log.WithFields(log.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		checkContractVersion(r.Header.Get(contractHeader), logger)

		next.ServeHTTP(writer, r)

		logger.WithFields(log.Fields{
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Contract-Version, Idempotency-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Contract-Version, Idempotent-Replay")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Frame-Options", "DENY")
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
