package app

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/paging"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, paging.ErrInvalidPage) {
		return http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeInternal, "Internal server error", nil
}

// respondError writes err in the wire error shape. Internal errors are
// logged with the request id, which is also returned to the client.
func (s *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if code == CodeInternal {
		requestID := requestIDFrom(r.Context())
		log.WithError(err).WithFields(log.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("internal error")
		if s.exposeErrors {
			message = err.Error()
		}
		details = map[string]any{"request_id": requestID}
	}
	writeError(w, status, code, message, details)
}

// readBody enforces the JSON content type and reads the size-limited body.
func (s *HTTPServer) readBody(r *http.Request) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, domainError(http.StatusUnsupportedMediaType, CodeValidation, "Content-Type must be application/json", nil)
	}
	if r.Body == nil {
		return nil, domainError(http.StatusBadRequest, CodeValidation, "request body is required", nil)
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domainError(http.StatusRequestEntityTooLarge, CodeValidation, "request body too large", map[string]any{"limit_bytes": tooLarge.Limit})
		}
		return nil, domainError(http.StatusBadRequest, CodeValidation, "could not read request body", nil)
	}
	return raw, nil
}

func decodeJSON(raw []byte, target any) error {
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return domainError(http.StatusBadRequest, CodeValidation, "invalid JSON body", map[string]any{"reason": err.Error()})
	}
	return nil
}

func (s *HTTPServer) decodeBody(r *http.Request, target any) error {
	raw, err := s.readBody(r)
	if err != nil {
		return err
	}
	return decodeJSON(raw, target)
}

// nullFields lists the top-level keys of a JSON object whose value is null.
func nullFields(raw []byte) (map[string]bool, error) {
	var fields map[string]any
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return nil, domainError(http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
	}
	nulls := make(map[string]bool)
	for key, value := range fields {
		if value == nil {
			nulls[key] = true
		}
	}
	return nulls, nil
}
