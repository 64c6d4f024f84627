// Package store owns the backing data stores for the scraping backend.
//
// Three stores, three jobs:
//
// 1. Redis - hot path. Cached balances, the artifact cache, the pool
// registry, and per-worker durable session state all live here.
// 2. PostgreSQL - source of truth. The append-only credit ledger,
// subscription rows, and the deduplicated error log.
// 3. SQLite - the monitoring engine's embedded store. Monitoring data is
// operational telemetry, not money, so it stays out of PostgreSQL.
//
// The relationship between Redis and PostgreSQL mirrors the ledger design:
// Redis is fast but volatile, PostgreSQL is durable but slower. Redis is
// authoritative for admission decisions, PostgreSQL for audit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store bundles the backing stores and hands them to components.
type Store struct {
	Redis *redis.Client
	DB    *sql.DB

	log zerolog.Logger
}

// Options configures Open.
type Options struct {
	RedisAddr     string
	RedisPassword string
	PostgresURL   string
}

// Open connects to Redis and PostgreSQL and verifies both.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,

		// Balance checks sit in front of every request. Fail fast if
		// Redis is slow rather than queueing behind it.
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,

		PoolSize:     100,
		MinIdleConns: 10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().Str("addr", opts.RedisAddr).Msg("connected to redis")

	db, err := sql.Open("postgres", opts.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	// Ledger writes are queued through background workers, so the pool
	// stays modest.
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().Msg("connected to postgres")

	return &Store{
		Redis: rdb,
		DB:    db,
		log:   logger.With().Str("component", "store").Logger(),
	}, nil
}

// OpenMonitorDB opens the SQLite database used by the monitoring engine.
// Pass ":memory:" for tests.
func OpenMonitorDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma failed: %w", err)
	}

	return db, nil
}

// Migrate applies the PostgreSQL schema. Idempotent; safe to run at startup.
func (s *Store) Migrate(ctx context.Context) error {
	start := time.Now()

	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.log.Info().Dur("duration", time.Since(start)).Msg("postgres schema applied")
	return nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	if err := s.Redis.Close(); err != nil {
		s.log.Error().Err(err).Msg("redis close failed")
	}
	if err := s.DB.Close(); err != nil {
		s.log.Error().Err(err).Msg("postgres close failed")
		return err
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
		user_id      TEXT PRIMARY KEY,
		balance      BIGINT NOT NULL DEFAULT 0,
		plan         TEXT NOT NULL DEFAULT 'free',
		last_refill  TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		delta       BIGINT NOT NULL,
		reason      TEXT NOT NULL,
		metadata    JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
		ON credit_transactions (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_reason
		ON credit_transactions (user_id, reason)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		status              TEXT NOT NULL,
		plan                TEXT NOT NULL,
		started_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		cancelled_at        TIMESTAMPTZ,
		current_period_end  TIMESTAMPTZ,
		synced_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions (user_id)`,
	`CREATE TABLE IF NOT EXISTS error_logs (
		id                TEXT PRIMARY KEY,
		fingerprint       TEXT NOT NULL UNIQUE,
		user_id           TEXT,
		level             TEXT NOT NULL,
		source            TEXT NOT NULL,
		operation         TEXT NOT NULL,
		status_code       INT,
		message           TEXT NOT NULL,
		stack_trace       TEXT,
		context           JSONB NOT NULL DEFAULT '{}',
		first_occurrence  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_occurrence   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		occurrence_count  INT NOT NULL DEFAULT 1,
		resolved          BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_error_logs_last ON error_logs (last_occurrence DESC)`,
}
