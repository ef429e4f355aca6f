package store

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// IdentityGrant is the elevated capability that allows reading and creating
// partner records by email without per-record access checks. The zero value
// is not a valid grant.
type IdentityGrant struct {
	caller  Caller
	purpose string
	issued  time.Time
}

// GrantIdentityResolution issues a grant for resolving mentions on behalf of
// caller. Every grant is audit-logged.
func GrantIdentityResolution(caller Caller, purpose string) IdentityGrant {
	grant := IdentityGrant{caller: caller, purpose: purpose, issued: time.Now().UTC()}
	grant.logger().Info("identity grant issued")
	return grant
}

func (g IdentityGrant) valid() error {
	if g.issued.IsZero() || g.purpose == "" {
		return fmt.Errorf("%w: grant was not issued", ErrInvalidGrant)
	}
	return nil
}

func (g IdentityGrant) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"audit":      true,
		"request_id": g.caller.TraceID,
		"user_id":    g.caller.UserID,
		"purpose":    g.purpose,
	})
}

func (g IdentityGrant) audit(operation, email string) {
	g.logger().WithFields(log.Fields{"operation": operation, "email": email}).Info("identity directory access")
}
