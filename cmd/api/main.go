package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/db"
	"taskboard/api/internal/app"
	"taskboard/api/internal/config"
	"taskboard/api/internal/idempotency"
	"taskboard/api/internal/mentions"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	setupLogging(cfg)
	ctx := context.Background()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, 30*time.Second)
		defer meiliClient.Close()
	}
	service, closeStore, err := newService(ctx, cfg, search.NewService(meiliClient))
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(ctx, service, os.Args[2:]); err != nil {
			log.WithError(err).Fatal("issue token")
		}
		return
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.WithError(err).Warn("bootstrap error (will retry on next restart)")
	}

	var replay app.ReplayStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := idempotency.NewRedisStore(ctx, cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer redisStore.Close()
		replay = redisStore
		log.Info("idempotency keys stored in redis")
	}

	httpServer := app.NewHTTPServer(service, cfg, replay)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":             cfg.Addr,
			"store":            cfg.StoreDriver,
			"contract_version": app.ContractVersion,
		}).Info("taskboard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}

func setupLogging(cfg config.Config) {
	log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetLevel(log.InfoLevel)
	if cfg.Debug {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetLevel(log.DebugLevel)
	}
}

// newService opens the configured store and builds the service on it.
func newService(ctx context.Context, cfg config.Config, cards *search.Service) (*app.Service, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using the in-memory store, data is lost on restart")
		mem := store.NewMemoryStore()
		return app.New(cfg, mem, mentions.NewResolver(mem), cards), func() {}, nil
	}

	conn, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	var migrations fs.FS = db.Migrations
	dir := "migrations"
	if cfg.MigrationsDir != "" {
		migrations, dir = os.DirFS(cfg.MigrationsDir), "."
	}
	applied, err := store.ApplyMigrations(ctx, conn, migrations, dir)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	log.WithField("applied", applied).Info("migrations up to date")
	pg := store.NewPostgresStore(conn)
	return app.New(cfg, pg, mentions.NewResolver(pg), cards), func() { _ = conn.Close() }, nil
}

// issueToken handles `api token <login> [role]`, creating the user on
// first use.
func issueToken(ctx context.Context, service *app.Service, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: api token <login> [role]")
	}
	login := args[0]
	role := ""
	if len(args) > 1 {
		role = args[1]
	}
	token, err := service.IssueToken(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		if _, err = service.CreateUser(ctx, store.UserInput{Login: login, Role: role}); err != nil {
			return err
		}
		token, err = service.IssueToken(ctx, login)
	}
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
