package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/folio/internal/artifact"
	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/engine"
	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/internal/render"
	"github.com/dyluth/folio/internal/repository"
	"github.com/dyluth/folio/internal/server"
	"github.com/dyluth/folio/internal/signature"
	"github.com/dyluth/folio/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// 1. Load configuration, then let the environment override connections
	path := os.Getenv("FOLIO_CONFIG")
	if path == "" {
		path = "folio.yml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration after environment overrides", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret == "" {
		slog.Error("auth.jwt_secret or FOLIO_JWT_SECRET must be set")
		os.Exit(1)
	}

	// 2. Initialize logger
	logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.Info("configuration loaded", "path", path, "namespace", cfg.Namespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect the repository and the file storage
	repo, err := repository.New(ctx, cfg.Repository, cfg.Namespace)
	if err != nil {
		slog.Error("failed to open repository", "driver", cfg.Repository.Driver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}

	// 4. Load document types and keep them in sync with the directory
	types, err := doctype.NewRegistry(cfg.DocTypes)
	if err != nil {
		slog.Error("failed to load document types", "dir", cfg.DocTypes, "error", err)
		os.Exit(1)
	}
	slog.Info("document types loaded", "count", len(types.List()))
	go func() {
		if err := types.Watch(ctx); err != nil {
			slog.Warn("document type hot reload disabled", "error", err)
		}
	}()

	// 5. Wire the engine
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := engine.NewService(engine.Deps{
		Repository: repo,
		Types:      types,
		Signatures: signature.NewStore(store, repo, signature.Options{
			MaxBytes:     cfg.Signatures.MaxBytes,
			AllowedTypes: cfg.Signatures.AllowedTypes,
		}),
		Renderer: render.NewRenderer(store),
		Catalog:  artifact.NewCatalog(store, repo),
		Metrics:  engine.NewMetrics(reg),
	})

	// 6. Serve
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(svc, types, cfg.Auth, reg).Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited gracefully")
}
