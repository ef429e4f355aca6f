// Package store is the Project Store: boards, stages, cards, messages and
// the partner directory, with per-caller access evaluation.
package store

import (
	"errors"

	"taskboard/api/internal/rbac"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidGrant     = errors.New("identity grant is not valid")
	ErrConflict         = errors.New("record already exists")
)

// Caller is the authenticated identity a store call runs on behalf of.
type Caller struct {
	UserID    int64
	PartnerID int64
	Role      rbac.Role
	// TraceID correlates store audit entries with the request log.
	TraceID string
}
