// Package main is the entry point for the WebLinq scraping API server.
//
// The server exposes the metered scraping operations over HTTP/JSON and is
// designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health check endpoint for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// Lifecycle:
// 1. Load configuration from env
// 2. Open stores (Redis + PostgreSQL + SQLite), apply migrations
// 3. Warm the Redis balance cache from PostgreSQL
// 4. Restore the browser pool registry and monitoring schedule
// 5. Serve until shutdown signal, then drain
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/browser"
	"github.com/weblinq/backend/internal/cache"
	"github.com/weblinq/backend/internal/config"
	"github.com/weblinq/backend/internal/errlog"
	"github.com/weblinq/backend/internal/ledger"
	"github.com/weblinq/backend/internal/llm"
	"github.com/weblinq/backend/internal/monitor"
	"github.com/weblinq/backend/internal/ops"
	"github.com/weblinq/backend/internal/pipeline"
	"github.com/weblinq/backend/internal/pool"
	"github.com/weblinq/backend/internal/rest"
	"github.com/weblinq/backend/internal/search"
	"github.com/weblinq/backend/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Int("max_workers", cfg.MaxWorkers).
		Msg("starting weblinq api server")

	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		PostgresURL:   cfg.PostgresURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := st.Migrate(migrateCtx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("migration failed")
	}
	cancel()

	// Ledger with the balance hot cache. Warming is critical after a Redis
	// restart; without it every balance read re-seeds one user at a time.
	ldgr := ledger.New(st.Redis, st.DB, ledger.Credits{
		InitialFree:   cfg.InitialFreeCredits,
		InitialPro:    cfg.InitialProCredits,
		MonthlyRefill: cfg.MonthlyProRefill,
	}, logger)
	defer ldgr.Close()

	warmCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	if err := ldgr.WarmBalances(warmCtx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("balance warmup failed")
	}
	cancel()

	artifacts := cache.New(st.Redis, logger)
	errors := errlog.New(st.DB, logger)

	// Browser pool on top of the CDP backend.
	backend := browser.NewChromeBackend(cfg.BrowserWSURL, logger)
	poolMgr := pool.NewManager(st.Redis, backend, pool.Config{
		MaxWorkers:    cfg.MaxWorkers,
		QueueMaxWait:  cfg.QueueMaxWait,
		CreationDelay: cfg.BrowserCreationDelay,
		Worker: browser.WorkerConfig{
			HealthCheckInterval:  cfg.HealthCheckInterval,
			RefreshThreshold:     cfg.RefreshThreshold,
			PoliteCleanupTimeout: cfg.PoliteCleanupTimeout,
		},
	}, logger)

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := poolMgr.Load(loadCtx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("pool registry load failed")
	}
	cancel()

	// Operation executor and its external services.
	searcher := search.NewClient(cfg.SearchAPIURL, cfg.SearchSecret, logger)
	extractor := llm.New(llm.Config{
		GeminiAPIKey:    cfg.GeminiAPIKey,
		CloudflareURL:   cfg.CloudflareAIURL,
		CloudflareModel: cfg.CloudflareAIModel,
		CloudflareToken: cfg.CloudflareAIToken,
	}, logger)
	executor := ops.NewExecutor(searcher, extractor, logger)

	pipe := pipeline.New(ldgr, artifacts, poolMgr, executor, errors, pipeline.Options{
		ChargeCacheHits: cfg.ChargeCacheHits,
		CacheBypass:     cfg.CacheBypass,
	}, logger)

	// Monitoring engine on its own embedded store.
	monitorDB, err := store.OpenMonitorDB(cfg.MonitorDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor db open failed")
	}
	defer monitorDB.Close()

	monitorStore, err := monitor.NewStore(monitorDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor schema failed")
	}
	engine := monitor.NewEngine(monitorStore, st.Redis, cfg.PublicAPIURL, cfg.MonitoringAPIToken, logger)
	if err := engine.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("monitoring state load failed, starting inactive")
	}

	// HTTP surface.
	handler := rest.NewHandler(pipe, ldgr, poolMgr, engine, st.DB, cfg.MonitoringAPIToken, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: rest.LoggingMiddleware(logger)(mux),

		ReadTimeout: 30 * time.Second,
		// PDF rendering can legitimately take most of a minute.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// The monitoring timer dies with the process; the persisted active flag
	// makes engine.Load resume the schedule on the next boot.

	// ldgr.Close (deferred) drains the write queue so queued deducts reach
	// PostgreSQL before exit.
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Pretty console output in development, JSON in production.
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "weblinq-api").
		Str("environment", environment).
		Logger()
}
