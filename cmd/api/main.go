package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"treesync/api/internal/app"
	"treesync/api/internal/auth"
	"treesync/api/internal/config"
	"treesync/api/internal/gitrepo"
	"treesync/api/internal/presence"
	"treesync/api/internal/search"
	"treesync/api/internal/session"
	"treesync/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogDev)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("treesync api stopped", zap.Error(err))
	}
}

func newLogger(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{Presence: presence.NewRegistry(), Logger: logger}

	var fallback search.Searcher
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(db); err != nil {
			return err
		}
		pg := store.NewPostgresStore(db)
		deps.Store = pg
		fallback = search.NewStoreSearcher(pg)
		logger.Info("using postgres store")
	} else {
		mem := store.NewMemoryStore()
		deps.Store = mem
		fallback = search.NewStoreSearcher(mem)
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, fallback, logger)
	defer searchService.Close()
	deps.Search = searchService

	if strings.TrimSpace(cfg.RedisURL) != "" {
		directory, err := session.NewRedisDirectory(cfg.RedisURL, cfg.SessionTimeout+cfg.PingInterval)
		if err != nil {
			return err
		}
		defer directory.Close()
		deps.Sessions = directory
		logger.Info("session directory enabled")
	}

	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return err
		}
		deps.Archive = gitrepo.New(cfg.ArchiveDir)
		logger.Info("version archive enabled", zap.String("dir", cfg.ArchiveDir))
	}

	service := app.NewService(deps)
	defer service.Close()

	provider := auth.NewTokenProvider(cfg.TokenSecret)
	hub := app.NewHub(service, provider, app.HubOptions{
		PingInterval:   cfg.PingInterval,
		SessionTimeout: cfg.SessionTimeout,
		SendBuffer:     cfg.SendBuffer,
		CORSOrigin:     cfg.CORSOrigin,
	}, logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	httpServer := app.NewHTTPServer(service, hub, provider, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("treesync api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	<-hubDone
	return nil
}
