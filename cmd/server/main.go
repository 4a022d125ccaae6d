// CAT Engine - adaptive diagnostic testing server
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

	"github.com/ashureev/cat-engine/internal/api"
	"github.com/ashureev/cat-engine/internal/cache"
	"github.com/ashureev/cat-engine/internal/config"
	"github.com/ashureev/cat-engine/internal/housekeeping"
	"github.com/ashureev/cat-engine/internal/identity"
	"github.com/ashureev/cat-engine/internal/irt"
	"github.com/ashureev/cat-engine/internal/itembank"
	"github.com/ashureev/cat-engine/internal/middleware"
	"github.com/ashureev/cat-engine/internal/results"
	"github.com/ashureev/cat-engine/internal/service"
	"github.com/ashureev/cat-engine/internal/session"
	"github.com/ashureev/cat-engine/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "method", cfg.Test.Method, "container", config.IsContainer())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	bank, err := loadBank(context.Background(), repo, cfg.ItemBankPath)
	if err != nil {
		slog.Error("Failed to load item bank", "error", err)
		os.Exit(1)
	}
	bank.LogSummary(logger)

	reportCache, closeCache := newReportCache(context.Background(), cfg)
	defer closeCache()

	// Initialize services.
	estimator := irt.NewEstimator(cfg.Test.Method)
	ctrl := session.NewController(bank, estimator, logger)
	agg := results.NewAggregator(estimator, bank.Domains(), cfg.Report.TargetTheta)
	agg.WeakThreshold = cfg.Report.WeakThreshold
	agg.StrongThreshold = cfg.Report.StrongThreshold

	svc := service.New(service.Deps{
		Sessions:   repo,
		Bank:       bank,
		Controller: ctrl,
		Aggregator: agg,
		Cache:      reportCache,
		Defaults:   cfg.TestConfig(),
		StaleAfter: cfg.Housekeeping.StaleAfter,
		Logger:     logger,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(svc, repo)
	healthHandler := api.NewHealthHandler(repo, svc.ItemCount)
	sessionHandler := api.NewSessionHandler(baseHandler)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Candidate routes resolve an identity first.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start abandonment worker.
	housekeeping.StartAbandonWorker(ctx, svc, cfg.Housekeeping.SweepInterval, func(sessionID string) {
		slog.Info("Session abandoned", "session_id", sessionID)
	})
	slog.Info("Abandonment worker started", "stale_after", cfg.Housekeeping.StaleAfter, "interval", cfg.Housekeeping.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// loadBank seeds the database from seedPath when set, then builds the bank from stored items.
func loadBank(ctx context.Context, repo store.ItemRepository, seedPath string) (*itembank.Bank, error) {
	if seedPath != "" {
		items, err := itembank.LoadYAML(seedPath)
		if err != nil {
			return nil, err
		}
		if err := repo.UpsertItems(ctx, items); err != nil {
			return nil, err
		}
		slog.Info("Item bank seeded", "path", seedPath, "items", len(items))
	}

	items, err := repo.LoadItems(ctx)
	if err != nil {
		return nil, err
	}
	return itembank.New(items)
}

// newReportCache prefers Redis when configured and falls back to the in-process cache.
func newReportCache(ctx context.Context, cfg *config.Config) (cache.ReportCache, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(cfg.ReportCacheTTL), func() {}
	}

	rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.ReportCacheTTL)
	if err != nil {
		slog.Warn("Redis unavailable, using in-process report cache", "addr", cfg.RedisAddr, "error", err)
		return cache.NewMemory(cfg.ReportCacheTTL), func() {}
	}
	slog.Info("Report cache connected", "addr", cfg.RedisAddr)
	return rc, func() {
		if err := rc.Close(); err != nil {
			slog.Error("Failed to close report cache", "error", err)
		}
	}
}
