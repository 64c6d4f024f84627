// Package pool implements the browser pool manager: admission control, the
// FIFO wait queue, per-worker records, recovery, and capacity enforcement.
//
// The manager is a process-wide singleton with single-threaded internal
// execution: a per-instance mutex serializes Acquire and ReportStatus, so
// the check-then-act between "find an idle worker" and "create a new one"
// is atomic and waiter fulfillment on idle transitions is deterministic
// FIFO.
//
// The authoritative registry lives in a Redis hash so it survives restarts;
// the wait queue is in-memory and volatile by design (waiters are attached
// to in-flight requests that die with the process anyway).
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weblinq/backend/internal/browser"
)

// Worker statuses.
const (
	StatusIdle   = "idle"
	StatusBusy   = "busy"
	StatusError  = "error"
	StatusClosed = "closed"
)

// ErrPoolExhausted is returned when no worker frees up within the queue
// deadline.
var ErrPoolExhausted = errors.New("pool: exhausted")

// opaque default ids (64-hex) are never admitted as worker records.
var hexIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const registryKey = "pool:registry"

// Record is the pool's projection of one worker. The worker process owns
// the actual browser connection; this row only tracks assignment state.
type Record struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	SessionID    string    `json:"sessionId,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	Created      time.Time `json:"created"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ErrorCount   int       `json:"errorCount"`
}

// Assignment is what Acquire hands to the pipeline.
type Assignment struct {
	WorkerID  string
	SessionID string
}

// Config tunes the manager.
type Config struct {
	MaxWorkers    int
	QueueMaxWait  time.Duration
	CreationDelay time.Duration // stagger between batch creations
	Worker        browser.WorkerConfig
}

func (c *Config) applyDefaults() {
	// Zero is a valid capacity (a drained pool: every acquire queues and
	// times out). Defaulting for an unset MAX_WORKERS happens in config.
	if c.MaxWorkers < 0 {
		c.MaxWorkers = 0
	}
	if c.QueueMaxWait <= 0 {
		c.QueueMaxWait = 15 * time.Second
	}
	if c.CreationDelay <= 0 {
		c.CreationDelay = 5 * time.Second
	}
}

// waiter is one enqueued acquire. Resolved exactly once: either fulfilled
// with an assignment or failed on timeout, never both.
type waiter struct {
	id         string
	enqueuedAt time.Time
	ch         chan Assignment // buffered, capacity 1
	resolved   bool
}

// Manager is the browser pool manager.
type Manager struct {
	mu sync.Mutex

	redis   *redis.Client
	backend browser.Backend
	cfg     Config
	log     zerolog.Logger

	// In-process worker actors by stable name.
	workers map[string]*browser.Worker

	queue []*waiter
}

// NewManager creates the pool manager. Call Load before serving so durable
// registry state is reconciled first.
func NewManager(rdb *redis.Client, backend browser.Backend, cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		redis:   rdb,
		backend: backend,
		cfg:     cfg,
		log:     logger.With().Str("component", "pool").Logger(),
		workers: make(map[string]*browser.Worker),
	}
}

// Load restores worker actors for every registry record. Workers whose
// durable session is gone come back with no session and are recovered on
// first use.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	registry, err := m.loadRegistry(ctx)
	if err != nil {
		return err
	}

	for id := range registry {
		w := m.ensureWorkerLocked(id)
		if err := w.Load(ctx); err != nil {
			m.log.Warn().Err(err).Str("worker_id", id).Msg("worker state restore failed")
		}
	}

	m.log.Info().Int("workers", len(registry)).Msg("pool registry loaded")
	return nil
}

// ensureWorkerLocked returns the in-process actor for id, creating it if
// this is the first reference.
func (m *Manager) ensureWorkerLocked(id string) *browser.Worker {
	if w, ok := m.workers[id]; ok {
		return w
	}
	w := browser.NewWorker(id, m.backend, m.redis, m, m.cfg.Worker, m.log)
	m.workers[id] = w
	return w
}

func newWorkerName() string {
	return fmt.Sprintf("browser-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// Acquire returns a busy worker assignment, creating a worker when below
// capacity and queueing when at capacity. Fails with ErrPoolExhausted when
// the queue deadline passes.
func (m *Manager) Acquire(ctx context.Context) (Assignment, error) {
	m.mu.Lock()

	registry, err := m.loadRegistry(ctx)
	if err != nil {
		m.mu.Unlock()
		return Assignment{}, err
	}

	// Step 1: any idle worker.
	for _, rec := range registry {
		if rec.Status == StatusIdle {
			rec.Status = StatusBusy
			rec.LastActivity = time.Now()
			if err := m.saveRecord(ctx, rec); err != nil {
				m.mu.Unlock()
				return Assignment{}, err
			}
			m.mu.Unlock()

			metricAcquires.WithLabelValues("idle").Inc()
			return Assignment{WorkerID: rec.ID, SessionID: rec.SessionID}, nil
		}
	}

	// Step 2: create, if below capacity. The record is reserved as busy
	// under the mutex so concurrent acquires cannot overshoot MAX_WORKERS;
	// the slow session launch happens outside the critical section.
	if len(registry) < m.cfg.MaxWorkers {
		rec := &Record{
			ID:           newWorkerName(),
			Status:       StatusBusy,
			LastActivity: time.Now(),
			Created:      time.Now(),
		}
		if err := m.saveRecord(ctx, rec); err != nil {
			m.mu.Unlock()
			return Assignment{}, err
		}
		w := m.ensureWorkerLocked(rec.ID)
		m.mu.Unlock()

		sessionID, err := w.GenerateSessionID(ctx, rec.ID)
		if err != nil {
			m.log.Error().Err(err).Str("worker_id", rec.ID).Msg("worker creation failed")
			if rerr := m.ReportStatus(ctx, rec.ID, StatusError, err.Error()); rerr != nil {
				m.log.Warn().Err(rerr).Str("worker_id", rec.ID).Msg("failed to record creation error")
			}
			return Assignment{}, fmt.Errorf("worker creation failed: %w", err)
		}

		m.mu.Lock()
		rec.SessionID = sessionID
		rec.LastActivity = time.Now()
		err = m.saveRecord(ctx, rec)
		m.mu.Unlock()
		if err != nil {
			return Assignment{}, err
		}

		metricAcquires.WithLabelValues("created").Inc()
		m.log.Info().Str("worker_id", rec.ID).Str("session_id", sessionID).Msg("worker created on demand")
		return Assignment{WorkerID: rec.ID, SessionID: sessionID}, nil
	}

	// Step 3: at capacity, wait FIFO.
	wtr := &waiter{
		id:         uuid.New().String(),
		enqueuedAt: time.Now(),
		ch:         make(chan Assignment, 1),
	}
	m.queue = append(m.queue, wtr)
	metricQueueDepth.Set(float64(len(m.queue)))
	m.mu.Unlock()

	metricAcquires.WithLabelValues("queued").Inc()

	timer := time.NewTimer(m.cfg.QueueMaxWait)
	defer timer.Stop()

	select {
	case a := <-wtr.ch:
		return a, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timeout or cancellation. A fulfillment may have raced us; the
	// resolved flag decides who wins.
	m.mu.Lock()
	if wtr.resolved {
		m.mu.Unlock()
		a := <-wtr.ch
		return a, nil
	}
	wtr.resolved = true
	m.removeWaiterLocked(wtr)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	metricQueueTimeouts.Inc()
	return Assignment{}, ErrPoolExhausted
}

// removeWaiterLocked drops a waiter from the queue.
func (m *Manager) removeWaiterLocked(wtr *waiter) {
	for i, q := range m.queue {
		if q == wtr {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	metricQueueDepth.Set(float64(len(m.queue)))
}

// fulfillOldestLocked hands the worker to the oldest unresolved waiter.
// Returns true if a waiter took it.
func (m *Manager) fulfillOldestLocked(a Assignment) bool {
	for len(m.queue) > 0 {
		wtr := m.queue[0]
		m.queue = m.queue[1:]
		if wtr.resolved {
			// Late resolution after timeout: discard and try the next.
			continue
		}
		wtr.resolved = true
		wtr.ch <- a
		metricQueueDepth.Set(float64(len(m.queue)))
		m.log.Debug().
			Str("worker_id", a.WorkerID).
			Dur("waited", time.Since(wtr.enqueuedAt)).
			Msg("waiter fulfilled")
		return true
	}
	metricQueueDepth.Set(float64(len(m.queue)))
	return false
}

// ReportStatus updates a worker record; implements browser.StatusReporter.
//
// On a transition to idle with waiters queued, the worker is immediately
// re-assigned to the oldest waiter. On error, background recovery is
// scheduled. Unknown ids are admitted only when they look like real worker
// names and capacity allows.
func (m *Manager) ReportStatus(ctx context.Context, workerID, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	registry, err := m.loadRegistry(ctx)
	if err != nil {
		return err
	}

	rec, ok := registry[workerID]
	if !ok {
		if hexIDPattern.MatchString(workerID) || len(registry) >= m.cfg.MaxWorkers {
			m.log.Debug().Str("worker_id", workerID).Msg("ignoring status report for unknown worker")
			return nil
		}
		rec = &Record{ID: workerID, Created: time.Now()}
		m.ensureWorkerLocked(workerID)
	}

	rec.Status = status
	rec.LastActivity = time.Now()
	if status == StatusError {
		rec.ErrorMessage = errorMessage
		rec.ErrorCount++
	} else {
		rec.ErrorMessage = ""
	}
	if w, ok := m.workers[workerID]; ok {
		if sid := w.SessionID(); sid != "" {
			rec.SessionID = sid
		} else if status == StatusClosed {
			rec.SessionID = ""
		}
	}

	if status == StatusIdle && len(m.queue) > 0 {
		if m.fulfillOldestLocked(Assignment{WorkerID: rec.ID, SessionID: rec.SessionID}) {
			rec.Status = StatusBusy
		}
	}

	if err := m.saveRecord(ctx, rec); err != nil {
		return err
	}

	if status == StatusError {
		go m.AttemptRecovery(context.Background(), rec.ID)
	}

	return nil
}

// WorkerStatus returns the registry's view of one worker; implements
// browser.StatusReporter for polite cleanup polling.
func (m *Manager) WorkerStatus(ctx context.Context, workerID string) (string, error) {
	raw, err := m.redis.HGet(ctx, registryKey, workerID).Result()
	if err == redis.Nil {
		return StatusClosed, nil
	} else if err != nil {
		return "", err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", fmt.Errorf("corrupt registry record: %w", err)
	}
	return rec.Status, nil
}

// AttemptRecovery relaunches a failed worker's session. On success the
// worker returns to idle (or straight to a queued waiter).
func (m *Manager) AttemptRecovery(ctx context.Context, workerID string) {
	m.mu.Lock()
	w := m.ensureWorkerLocked(workerID)
	m.mu.Unlock()

	sessionID, err := w.GenerateSessionID(ctx, workerID)
	if err != nil {
		m.log.Warn().Err(err).Str("worker_id", workerID).Msg("recovery failed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	registry, err := m.loadRegistry(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("registry read failed during recovery")
		return
	}
	rec, ok := registry[workerID]
	if !ok {
		return
	}

	rec.Status = StatusIdle
	rec.SessionID = sessionID
	rec.ErrorMessage = ""
	rec.LastActivity = time.Now()

	// A recovered worker can serve a queued waiter without a fresh Acquire.
	if len(m.queue) > 0 && m.fulfillOldestLocked(Assignment{WorkerID: rec.ID, SessionID: sessionID}) {
		rec.Status = StatusBusy
	}

	if err := m.saveRecord(ctx, rec); err != nil {
		m.log.Error().Err(err).Str("worker_id", workerID).Msg("failed to persist recovered record")
		return
	}

	metricRecoveries.Inc()
	m.log.Info().Str("worker_id", workerID).Str("session_id", sessionID).Msg("worker recovered")
}

// BatchResult reports the outcome of CreateBatch.
type BatchResult struct {
	Requested int           `json:"requested"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Details   []BatchDetail `json:"details"`
}

type BatchDetail struct {
	WorkerID string `json:"workerId"`
	Created  bool   `json:"created"`
	Error    string `json:"error,omitempty"`
}

// CreateBatch creates up to min(n, capacity remaining) idle workers with a
// staggered delay between creations to stay under provider rate limits.
func (m *Manager) CreateBatch(ctx context.Context, n int) (*BatchResult, error) {
	result := &BatchResult{Requested: n}

	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-time.After(m.cfg.CreationDelay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}

		m.mu.Lock()
		registry, err := m.loadRegistry(ctx)
		if err != nil {
			m.mu.Unlock()
			return result, err
		}
		if len(registry) >= m.cfg.MaxWorkers {
			m.mu.Unlock()
			result.Skipped = n - i
			break
		}
		rec := &Record{
			ID:           newWorkerName(),
			Status:       StatusBusy, // reserved until the session exists
			LastActivity: time.Now(),
			Created:      time.Now(),
		}
		if err := m.saveRecord(ctx, rec); err != nil {
			m.mu.Unlock()
			return result, err
		}
		w := m.ensureWorkerLocked(rec.ID)
		m.mu.Unlock()

		sessionID, err := w.GenerateSessionID(ctx, rec.ID)

		m.mu.Lock()
		if err != nil {
			rec.Status = StatusError
			rec.ErrorMessage = err.Error()
			rec.ErrorCount++
			result.Details = append(result.Details, BatchDetail{WorkerID: rec.ID, Error: err.Error()})
		} else {
			rec.Status = StatusIdle
			rec.SessionID = sessionID
			result.Created++
			result.Details = append(result.Details, BatchDetail{WorkerID: rec.ID, Created: true})
		}
		rec.LastActivity = time.Now()
		if serr := m.saveRecord(ctx, rec); serr != nil {
			m.mu.Unlock()
			return result, serr
		}
		m.mu.Unlock()
	}

	m.log.Info().
		Int("requested", result.Requested).
		Int("created", result.Created).
		Int("skipped", result.Skipped).
		Msg("batch creation finished")

	return result, nil
}

// RemoveWorker cleans up the worker's session and drops its record.
func (m *Manager) RemoveWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	delete(m.workers, workerID)
	m.mu.Unlock()

	if ok {
		if err := w.Cleanup(ctx, workerID); err != nil {
			m.log.Warn().Err(err).Str("worker_id", workerID).Msg("worker cleanup failed")
		}
	}

	if err := m.redis.HDel(ctx, registryKey, workerID).Err(); err != nil {
		return fmt.Errorf("registry delete failed: %w", err)
	}

	m.log.Info().Str("worker_id", workerID).Msg("worker removed")
	return nil
}

// DeleteAll tears down every worker in parallel and clears the registry.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	workers := make([]*browser.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*browser.Worker)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Cleanup(gctx, w.ID()); err != nil {
				m.log.Warn().Err(err).Str("worker_id", w.ID()).Msg("cleanup failed during teardown")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.redis.Del(ctx, registryKey).Err(); err != nil {
		return fmt.Errorf("registry clear failed: %w", err)
	}

	m.log.Info().Int("workers", len(workers)).Msg("pool torn down")
	return nil
}

// Stats summarizes the pool for dashboards.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	QueueDepth int            `json:"queueDepth"`
	// InactiveFor maps worker id to seconds since last activity.
	InactiveFor map[string]float64 `json:"inactiveForSeconds"`
}

func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	registry, err := m.loadRegistry(ctx)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Total:       len(registry),
		ByStatus:    make(map[string]int),
		QueueDepth:  len(m.queue),
		InactiveFor: make(map[string]float64),
	}
	for id, rec := range registry {
		s.ByStatus[rec.Status]++
		s.InactiveFor[id] = time.Since(rec.LastActivity).Seconds()
	}
	for _, status := range []string{StatusIdle, StatusBusy, StatusError, StatusClosed} {
		metricWorkers.WithLabelValues(status).Set(float64(s.ByStatus[status]))
	}
	return s, nil
}

// GetDetailedStatus returns the full registry records.
func (m *Manager) GetDetailedStatus(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	registry, err := m.loadRegistry(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(registry))
	for _, rec := range registry {
		records = append(records, rec)
	}
	return records, nil
}

// Worker returns the in-process actor for an id, for the pipeline's
// connect test.
func (m *Manager) Worker(workerID string) (*browser.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	return w, ok
}

func (m *Manager) loadRegistry(ctx context.Context) (map[string]*Record, error) {
	raw, err := m.redis.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry read failed: %w", err)
	}

	registry := make(map[string]*Record, len(raw))
	for id, data := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			m.log.Warn().Err(err).Str("worker_id", id).Msg("skipping corrupt registry record")
			continue
		}
		registry[id] = &rec
	}
	return registry, nil
}

func (m *Manager) saveRecord(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("record marshal failed: %w", err)
	}
	if err := m.redis.HSet(ctx, registryKey, rec.ID, raw).Err(); err != nil {
		return fmt.Errorf("registry write failed: %w", err)
	}
	return nil
}
