package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// WorkerConfig tunes session rotation. Defaults match the provider's
// 10-minute session cap: refresh well before the reaper does.
type WorkerConfig struct {
	HealthCheckInterval  time.Duration // default 3m
	RefreshThreshold     time.Duration // default 8m30s
	PoliteCleanupTimeout time.Duration // default 35s
}

func (c *WorkerConfig) applyDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 3 * time.Minute
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 8*time.Minute + 30*time.Second
	}
	if c.PoliteCleanupTimeout <= 0 {
		c.PoliteCleanupTimeout = 35 * time.Second
	}
}

// Worker owns at most one live browser session and rotates it blue-green:
// a stale session is only drained after the manager confirms no request is
// attached, so request serving is never interrupted.
//
// Durable state ({sessionId, createdAt}) lives in Redis under the worker's
// stable name, loaded under the worker mutex before any other method runs.
type Worker struct {
	mu sync.Mutex // serializes all session mutations (actor contract)

	id       string
	backend  Backend
	redis    *redis.Client
	reporter StatusReporter
	cfg      WorkerConfig
	log      zerolog.Logger

	session   Session
	sessionID string
	createdAt time.Time

	healthStop chan struct{}
}

func NewWorker(id string, backend Backend, rdb *redis.Client, reporter StatusReporter, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		id:       id,
		backend:  backend,
		redis:    rdb,
		reporter: reporter,
		cfg:      cfg,
		log:      logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

// ID returns the worker's stable name. The pool record uses the same name.
func (w *Worker) ID() string { return w.id }

func (w *Worker) sessionKey() string   { return "worker:" + w.id + ":sessionId" }
func (w *Worker) createdAtKey() string { return "worker:" + w.id + ":createdAt" }

// Load restores durable session state. Must run before any RPC so the
// worker never advertises a session it has forgotten about.
func (w *Worker) Load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sessionID, err := w.redis.Get(ctx, w.sessionKey()).Result()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		return fmt.Errorf("load session state failed: %w", err)
	}

	createdUnix, err := w.redis.Get(ctx, w.createdAtKey()).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load session age failed: %w", err)
	}

	w.sessionID = sessionID
	w.createdAt = time.Unix(createdUnix, 0)

	session, err := w.backend.Connect(ctx, sessionID)
	if err != nil {
		// Stale durable state; the next GenerateSessionID replaces it.
		w.log.Warn().Err(err).Str("session_id", sessionID).Msg("stored session unreachable")
		w.sessionID = ""
		return nil
	}
	w.session = session

	w.log.Info().Str("session_id", sessionID).Msg("session state restored")
	return nil
}

// GenerateSessionID launches a new session for this worker, retrying up to
// 3 times with 1s, 2s, 3s delays. Records the session durably and starts
// the health loop. Returns "" with an error when every attempt fails.
func (w *Worker) GenerateSessionID(ctx context.Context, expectedID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if expectedID != "" {
		w.id = expectedID
	}

	var session Session
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		session, err = w.backend.Launch(ctx)
		if err == nil {
			break
		}
		w.log.Warn().Err(err).Int("attempt", attempt).Msg("session launch failed")
		if attempt < 3 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("session launch exhausted retries: %w", err)
	}

	w.session = session
	w.sessionID = session.ID()
	w.createdAt = time.Now()

	pipe := w.redis.Pipeline()
	pipe.Set(ctx, w.sessionKey(), w.sessionID, 0)
	pipe.Set(ctx, w.createdAtKey(), strconv.FormatInt(w.createdAt.Unix(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("failed to persist session state")
	}

	w.startHealthLoopLocked()

	w.log.Info().Str("session_id", w.sessionID).Msg("session generated")
	return w.sessionID, nil
}

// SessionID returns the currently advertised (green) session, or "".
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// startHealthLoopLocked (re)schedules the periodic health probe.
func (w *Worker) startHealthLoopLocked() {
	if w.healthStop != nil {
		close(w.healthStop)
	}
	stop := make(chan struct{})
	w.healthStop = stop

	go func() {
		ticker := time.NewTicker(w.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.checkHealth(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// checkHealth probes the current session. A missing, unreachable or
// over-age session triggers rotation.
func (w *Worker) checkHealth(ctx context.Context) {
	w.mu.Lock()
	session := w.session
	age := time.Since(w.createdAt)
	w.mu.Unlock()

	if session == nil {
		w.CloseAndNotify(ctx)
		return
	}

	if _, err := session.Version(ctx); err != nil {
		w.log.Warn().Err(err).Msg("session health probe failed")
		w.CloseAndNotify(ctx)
		return
	}

	if age > w.cfg.RefreshThreshold {
		w.log.Info().Dur("age", age).Msg("session over refresh threshold, rotating")
		w.CloseAndNotify(ctx)
	}
}

// CloseAndNotify tells the manager this worker is closed, stops advertising
// the session, and schedules polite cleanup of the old session in the
// background.
func (w *Worker) CloseAndNotify(ctx context.Context) {
	w.mu.Lock()
	oldSessionID := w.sessionID
	w.session = nil
	w.sessionID = ""
	if w.healthStop != nil {
		close(w.healthStop)
		w.healthStop = nil
	}
	w.mu.Unlock()

	if err := w.reporter.ReportStatus(ctx, w.id, "closed", ""); err != nil {
		w.log.Warn().Err(err).Msg("failed to report closed status")
	}

	if oldSessionID != "" {
		go w.PoliteCleanup(context.Background(), oldSessionID)
	}
}

// PoliteCleanup waits for the manager to confirm no request is attached to
// this worker, then closes the old session to release the provider slot
// early. Polls every 5s up to the configured timeout; on timeout the close
// is attempted anyway.
func (w *Worker) PoliteCleanup(ctx context.Context, oldSessionID string) {
	deadline := time.Now().Add(w.cfg.PoliteCleanupTimeout)

	for time.Now().Before(deadline) {
		status, err := w.reporter.WorkerStatus(ctx, w.id)
		if err == nil && (status == "idle" || status == "closed" || status == "error") {
			break
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}

	session, err := w.backend.Connect(ctx, oldSessionID)
	if err != nil {
		// Already reaped by the provider; nothing to release.
		w.log.Debug().Err(err).Str("session_id", oldSessionID).Msg("old session already gone")
		return
	}
	if err := session.Close(ctx); err != nil {
		w.log.Warn().Err(err).Str("session_id", oldSessionID).Msg("old session close failed")
		return
	}

	w.log.Info().Str("session_id", oldSessionID).Msg("old session drained")
}

// Cleanup closes the current session and deletes all durable state. Used
// when the pool removes the worker for good.
func (w *Worker) Cleanup(ctx context.Context, expectedID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if expectedID != "" && expectedID != w.id {
		return fmt.Errorf("worker id mismatch: have %s, want %s", w.id, expectedID)
	}

	if w.healthStop != nil {
		close(w.healthStop)
		w.healthStop = nil
	}

	if w.session != nil {
		if err := w.session.Close(ctx); err != nil {
			w.log.Warn().Err(err).Msg("session close failed during cleanup")
		}
		w.session = nil
		w.sessionID = ""
	}

	if err := w.redis.Del(ctx, w.sessionKey(), w.createdAtKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete worker state: %w", err)
	}

	w.log.Info().Msg("worker cleaned up")
	return nil
}

// Connect opens the advertised session for an operation. Fails when no
// session is live.
func (w *Worker) Connect(ctx context.Context) (Session, error) {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	if session == nil {
		return nil, fmt.Errorf("worker %s has no live session", w.id)
	}
	return session, nil
}
