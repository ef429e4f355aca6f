package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

type projectStore interface {
	Ping(ctx context.Context) error
	UserByID(ctx context.Context, userID int64) (store.User, error)
	UserByPartner(ctx context.Context, partnerID int64) (store.User, error)
	UserByLogin(ctx context.Context, login string) (store.User, error)
	CreateUser(ctx context.Context, in store.UserInput) (store.User, error)
	FindProjects(ctx context.Context, caller store.Caller, q query.Query) ([]store.Project, int, error)
	GetProject(ctx context.Context, projectID int64) (store.Project, error)
	CheckAccess(ctx context.Context, caller store.Caller, target store.Target, action rbac.Action) error
	CreateProject(ctx context.Context, caller store.Caller, in store.ProjectInput) (store.Project, error)
	CreateStage(ctx context.Context, in store.StageInput) (store.Stage, error)
	FindTasks(ctx context.Context, caller store.Caller, q query.Query) ([]store.Task, int, error)
	CountTasks(ctx context.Context, caller store.Caller, filter query.Expr) (int, error)
	GetTask(ctx context.Context, taskID int64) (store.Task, error)
	CreateTask(ctx context.Context, caller store.Caller, in store.TaskInput) (store.Task, error)
	UpdateTask(ctx context.Context, caller store.Caller, taskID int64, patch store.TaskPatch) (store.Task, error)
	PostMessage(ctx context.Context, caller store.Caller, in store.MessageInput) (store.Message, error)
	SubscribeFollowers(ctx context.Context, taskID int64, partnerIDs []int64) error
	FindMessages(ctx context.Context, caller store.Caller, q query.Query) ([]store.Message, int, error)
}

type mentionResolver interface {
	Resolve(ctx context.Context, caller store.Caller, emails []string) []int64
}

type cardSearch interface {
	Ranked(ctx context.Context, boardID int64, text string, page, limit int) (search.Hits, bool)
	IndexCard(card search.CardRecord)
	Reindex(cards []search.CardRecord)
}

type Service struct {
	cfg      config.Config
	store    projectStore
	mentions mentionResolver
	search   cardSearch
}

func New(cfg config.Config, dataStore projectStore, resolver mentionResolver, cards cardSearch) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		mentions: resolver,
		search:   cards,
	}
}

// Bootstrap provisions the configured admin user and rebuilds the card index.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin, err := s.store.UserByLogin(ctx, s.cfg.AdminLogin)
	if errors.Is(err, store.ErrNotFound) {
		admin, err = s.store.CreateUser(ctx, store.UserInput{
			Login: s.cfg.AdminLogin,
			Name:  s.cfg.AdminName,
			Email: s.cfg.AdminEmail,
			Role:  string(rbac.RoleAdmin),
		})
		if err == nil {
			log.WithField("login", admin.Login).Info("bootstrap admin created")
		}
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	caller := store.Caller{UserID: admin.ID, PartnerID: admin.PartnerID, Role: rbac.RoleAdmin, TraceID: "bootstrap"}
	tasks, _, err := s.store.FindTasks(ctx, caller, query.Query{Order: []query.Order{query.Asc("id")}})
	if err != nil {
		return fmt.Errorf("bootstrap search index: %w", err)
	}
	records := make([]search.CardRecord, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, cardRecord(t))
	}
	s.search.Reindex(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateUser provisions a workspace user. Used by the token command.
func (s *Service) CreateUser(ctx context.Context, in store.UserInput) (store.User, error) {
	in.Login = strings.TrimSpace(in.Login)
	if in.Login == "" {
		return store.User{}, validationError("login", "login is required")
	}
	if in.Name == "" {
		in.Name = in.Login
	}
	in.Role = string(rbac.Normalize(in.Role))
	return s.store.CreateUser(ctx, in)
}

// IssueToken signs a bearer token for the user with the given login.
func (s *Service) IssueToken(ctx context.Context, login string) (string, error) {
	user, err := s.store.UserByLogin(ctx, login)
	if err != nil {
		return "", fmt.Errorf("issue token for %q: %w", login, err)
	}
	return auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Login, s.cfg.TokenTTL)
}

// CallerFromToken resolves a bearer token to the caller every store call
// runs as. Tokens for users that no longer exist are invalid.
func (s *Service) CallerFromToken(ctx context.Context, token string) (store.Caller, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return store.Caller{}, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return store.Caller{}, err
	}
	user, err := s.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Caller{}, auth.ErrInvalidToken
	}
	if err != nil {
		return store.Caller{}, err
	}
	return store.Caller{
		UserID:    user.ID,
		PartnerID: user.PartnerID,
		Role:      rbac.Normalize(user.Role),
		TraceID:   requestIDFrom(ctx),
	}, nil
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func cardRecord(t store.Task) search.CardRecord {
	return search.CardRecord{ID: t.ID, BoardID: t.ProjectID, Title: t.Name, Description: t.Description}
}

func requestLogger(ctx context.Context, caller store.Caller) *log.Entry {
	return log.WithFields(log.Fields{
		"request_id": requestIDFrom(ctx),
		"user_id":    caller.UserID,
	})
}
