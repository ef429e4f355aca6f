package mentions

import (
	"context"
	"errors"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"taskboard/api/internal/store"
)

// Directory is the email-keyed partner lookup the resolver needs.
type Directory interface {
	FindPartnerByEmail(ctx context.Context, grant store.IdentityGrant, email string) (store.Partner, error)
	EnsurePartnerByEmail(ctx context.Context, grant store.IdentityGrant, email, name string) (store.Partner, error)
}

type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// DisplayName derives a partner name from the local part of email:
// "juan.cruz@co.com" becomes "Juan Cruz". Dots become spaces and every run
// of letters is title-cased on its own, so "john_doe" is "John_Doe" and
// "j2smith" is "J2Smith".
func DisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.ReplaceAll(local, ".", " ")
	title := cases.Title(language.Und)

	var b strings.Builder
	start := -1
	for i, r := range local {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			b.WriteString(title.String(local[start:i]))
			start = -1
		}
		b.WriteRune(r)
	}
	if start >= 0 {
		b.WriteString(title.String(local[start:]))
	}
	return b.String()
}

// Resolve maps emails to partner ids, creating minimal partners for unknown
// addresses. Emails that are malformed or fail to resolve are logged and
// skipped. The result follows input order without duplicates.
func (r *Resolver) Resolve(ctx context.Context, caller store.Caller, emails []string) []int64 {
	if len(emails) == 0 {
		return nil
	}
	logger := log.WithFields(log.Fields{"request_id": caller.TraceID, "user_id": caller.UserID})
	grant := store.GrantIdentityResolution(caller, "mention resolution")

	ids := make([]int64, 0, len(emails))
	seen := make(map[int64]struct{}, len(emails))
	for _, email := range emails {
		if email == "" || !strings.Contains(email, "@") {
			logger.WithField("email", email).Warn("skipping malformed mention")
			continue
		}
		partner, err := r.resolveOne(ctx, grant, email)
		if err != nil {
			logger.WithError(err).WithField("email", email).Error("failed to resolve mention")
			continue
		}
		if _, ok := seen[partner.ID]; ok {
			continue
		}
		seen[partner.ID] = struct{}{}
		ids = append(ids, partner.ID)
	}
	return ids
}

func (r *Resolver) resolveOne(ctx context.Context, grant store.IdentityGrant, email string) (store.Partner, error) {
	partner, err := r.dir.FindPartnerByEmail(ctx, grant, email)
	if err == nil {
		return partner, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Partner{}, err
	}
	return r.dir.EnsurePartnerByEmail(ctx, grant, email, DisplayName(email))
}
