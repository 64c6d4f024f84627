package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is one recorded probe.
type Result struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Endpoint       string    `json:"endpoint"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	StatusCode     int       `json:"statusCode"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	ResponseSize   int       `json:"responseSize"`
	CreditsCost    int64     `json:"creditsCost"`
	Timestamp      time.Time `json:"timestamp"`
}

// Session aggregates one full cycle.
type Session struct {
	ID                string    `json:"id"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	TotalTests        int       `json:"totalTests"`
	Passed            int       `json:"passed"`
	Failed            int       `json:"failed"`
	AvgResponseTimeMs int64     `json:"avgResponseTimeMs"`
}

// EndpointStats are running totals per endpoint.
type EndpointStats struct {
	Endpoint      string     `json:"endpoint"`
	TotalTests    int64      `json:"totalTests"`
	TotalFailures int64      `json:"totalFailures"`
	AvgTimeMs     int64      `json:"avgTimeMs"`
	MinTimeMs     int64      `json:"minTimeMs"`
	MaxTimeMs     int64      `json:"maxTimeMs"`
	LastSuccess   *time.Time `json:"lastSuccess,omitempty"`
	LastFailure   *time.Time `json:"lastFailure,omitempty"`
	LastUpdated   time.Time  `json:"lastUpdated"`
}

// ResultFilter selects rows for the Results query.
type ResultFilter struct {
	Endpoint    string
	Limit       int
	Offset      int
	SuccessOnly bool
	Since       time.Time
}

// Store wraps the engine's embedded sqlite database.
type Store struct {
	db *sql.DB
}

var monitorSchema = []string{
	`CREATE TABLE IF NOT EXISTS test_results (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL,
		endpoint         TEXT NOT NULL,
		success          INTEGER NOT NULL,
		response_time_ms INTEGER NOT NULL,
		status_code      INTEGER NOT NULL,
		error_message    TEXT,
		response_size    INTEGER NOT NULL DEFAULT 0,
		credits_cost     INTEGER NOT NULL DEFAULT 0,
		timestamp        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_test_results_endpoint_ts
		ON test_results (endpoint, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_test_results_success
		ON test_results (success)`,
	`CREATE TABLE IF NOT EXISTS test_sessions (
		id                   TEXT PRIMARY KEY,
		started_at           TEXT NOT NULL,
		finished_at          TEXT,
		total_tests          INTEGER NOT NULL DEFAULT 0,
		passed               INTEGER NOT NULL DEFAULT 0,
		failed               INTEGER NOT NULL DEFAULT 0,
		avg_response_time_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS endpoint_stats (
		endpoint       TEXT PRIMARY KEY,
		total_tests    INTEGER NOT NULL DEFAULT 0,
		total_failures INTEGER NOT NULL DEFAULT 0,
		total_time_ms  INTEGER NOT NULL DEFAULT 0,
		min_time_ms    INTEGER,
		max_time_ms    INTEGER,
		last_success   TEXT,
		last_failure   TEXT,
		last_updated   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_endpoint_stats_updated
		ON endpoint_stats (last_updated)`,
}

// NewStore applies the schema and returns the store.
func NewStore(db *sql.DB) (*Store, error) {
	for _, stmt := range monitorSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("monitor: apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) beginSession(ctx context.Context) (string, time.Time, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_sessions (id, started_at) VALUES (?, ?)`,
		id, now.Format(time.RFC3339Nano))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("monitor: open session: %w", err)
	}
	return id, now, nil
}

func (s *Store) finishSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE test_sessions
		SET finished_at = ?, total_tests = ?, passed = ?, failed = ?, avg_response_time_ms = ?
		WHERE id = ?`,
		sess.FinishedAt.UTC().Format(time.RFC3339Nano),
		sess.TotalTests, sess.Passed, sess.Failed, sess.AvgResponseTimeMs, sess.ID)
	if err != nil {
		return fmt.Errorf("monitor: finalize session: %w", err)
	}
	return nil
}

func (s *Store) recordResult(ctx context.Context, r Result) error {
	success := 0
	if r.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results
			(id, session_id, endpoint, success, response_time_ms, status_code,
			 error_message, response_size, credits_cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Endpoint, success, r.ResponseTimeMs, r.StatusCode,
		nullIfEmpty(r.ErrorMessage), r.ResponseSize, r.CreditsCost,
		r.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("monitor: record result: %w", err)
	}
	return s.updateStats(ctx, r)
}

// updateStats folds one result into the endpoint's running totals.
func (s *Store) updateStats(ctx context.Context, r Result) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	failure := 0
	var lastSuccess, lastFailure any
	if r.Success {
		lastSuccess = now
	} else {
		failure = 1
		lastFailure = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoint_stats
			(endpoint, total_tests, total_failures, total_time_ms,
			 min_time_ms, max_time_ms, last_success, last_failure, last_updated)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			total_tests    = total_tests + 1,
			total_failures = total_failures + excluded.total_failures,
			total_time_ms  = total_time_ms + excluded.total_time_ms,
			min_time_ms    = MIN(COALESCE(min_time_ms, excluded.min_time_ms), excluded.min_time_ms),
			max_time_ms    = MAX(COALESCE(max_time_ms, excluded.max_time_ms), excluded.max_time_ms),
			last_success   = COALESCE(excluded.last_success, last_success),
			last_failure   = COALESCE(excluded.last_failure, last_failure),
			last_updated   = excluded.last_updated`,
		r.Endpoint, failure, r.ResponseTimeMs, r.ResponseTimeMs, r.ResponseTimeMs,
		lastSuccess, lastFailure, now)
	if err != nil {
		return fmt.Errorf("monitor: update stats: %w", err)
	}
	return nil
}

// Results runs the paginated query behind the results endpoint.
func (s *Store) Results(ctx context.Context, f ResultFilter) ([]Result, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	var conds []string
	var args []any
	if f.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.SuccessOnly {
		conds = append(conds, "success = 1")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT id, session_id, endpoint, success, response_time_ms, status_code,
			COALESCE(error_message, ''), response_size, credits_cost, timestamp
		FROM test_results`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: query results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var success int
		var ts string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Endpoint, &success, &r.ResponseTimeMs,
			&r.StatusCode, &r.ErrorMessage, &r.ResponseSize, &r.CreditsCost, &ts); err != nil {
			return nil, fmt.Errorf("monitor: scan result: %w", err)
		}
		r.Success = success == 1
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns per-endpoint aggregates, worst-updated first.
func (s *Store) Stats(ctx context.Context) ([]EndpointStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, total_tests, total_failures, total_time_ms,
			COALESCE(min_time_ms, 0), COALESCE(max_time_ms, 0),
			last_success, last_failure, last_updated
		FROM endpoint_stats
		ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("monitor: query stats: %w", err)
	}
	defer rows.Close()

	var out []EndpointStats
	for rows.Next() {
		var st EndpointStats
		var totalTime int64
		var lastSuccess, lastFailure sql.NullString
		var updated string
		if err := rows.Scan(&st.Endpoint, &st.TotalTests, &st.TotalFailures, &totalTime,
			&st.MinTimeMs, &st.MaxTimeMs, &lastSuccess, &lastFailure, &updated); err != nil {
			return nil, fmt.Errorf("monitor: scan stats: %w", err)
		}
		if st.TotalTests > 0 {
			st.AvgTimeMs = totalTime / st.TotalTests
		}
		st.LastSuccess = parseNullTime(lastSuccess)
		st.LastFailure = parseNullTime(lastFailure)
		st.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
