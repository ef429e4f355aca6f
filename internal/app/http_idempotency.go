package app

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/idempotency"
	"taskboard/api/internal/store"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayHeader         = "Idempotent-Replay"
)

// captureWriter records the response so it can be stored for replays.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// idempotent runs serve once per (caller, path, Idempotency-Key). Retries
// get the stored response; a retry that races the first request gets 409.
// Server errors release the key so the client can retry.
func (s *HTTPServer) idempotent(w http.ResponseWriter, r *http.Request, caller store.Caller, serve func(http.ResponseWriter)) {
	clientKey := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if clientKey == "" || s.replay == nil {
		serve(w)
		return
	}

	ctx := r.Context()
	key := idempotency.Key(caller.UserID, r.URL.Path, clientKey)
	logger := log.WithFields(log.Fields{"request_id": requestIDFrom(ctx), "idempotency_key": clientKey})

	stored, err := s.replay.Begin(ctx, key)
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		writeError(w, http.StatusConflict, CodeValidation, err.Error(), nil)
		return
	case err != nil:
		logger.WithError(err).Warn("idempotency store unavailable, serving without replay")
		serve(w)
		return
	case stored != nil:
		if stored.ContentType != "" {
			w.Header().Set("Content-Type", stored.ContentType)
		}
		w.Header().Set(replayHeader, "true")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
		return
	}

	capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
	serve(capture)

	if capture.status >= http.StatusInternalServerError {
		if err := s.replay.Release(ctx, key); err != nil {
			logger.WithError(err).Warn("release idempotency key")
		}
		return
	}
	resp := idempotency.Response{
		Status:      capture.status,
		ContentType: w.Header().Get("Content-Type"),
		Body:        capture.body.Bytes(),
	}
	if err := s.replay.Complete(ctx, key, resp); err != nil {
		logger.WithError(err).Warn("store idempotent response")
	}
}
