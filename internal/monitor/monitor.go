// Package monitor is the synthetic-probe engine: on a timer it replays a
// canonical request per enabled operation against the public API and keeps
// result history and per-endpoint aggregates in an embedded sqlite store.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/ops"
)

// ErrConfig means monitoring cannot start, typically a missing API token.
var ErrConfig = errors.New("monitor: invalid configuration")

const (
	defaultIntervalMs = 5 * 60 * 1000
	minIntervalMs     = 60 * 1000
	maxIntervalMs     = 24 * 60 * 60 * 1000
	defaultTimeoutMs  = 30 * 1000

	keyConfig = "monitoring:config"
	keyActive = "monitoring:active"
)

// Config is the persisted monitoring configuration.
type Config struct {
	IntervalMs int      `json:"intervalMs"`
	TimeoutMs  int      `json:"timeoutMs"`
	Endpoints  []string `json:"endpoints"`
}

// normalize merges cfg with defaults and clamps the interval.
func (c *Config) normalize() {
	if c.IntervalMs == 0 {
		c.IntervalMs = defaultIntervalMs
	}
	if c.IntervalMs < minIntervalMs {
		c.IntervalMs = minIntervalMs
	}
	if c.IntervalMs > maxIntervalMs {
		c.IntervalMs = maxIntervalMs
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = defaultTimeoutMs
	}
	if len(c.Endpoints) == 0 {
		for _, k := range ops.All {
			c.Endpoints = append(c.Endpoints, string(k))
		}
	}
}

// Status is the control-surface view of the engine.
type Status struct {
	Active     bool       `json:"active"`
	Config     Config     `json:"config"`
	NextTestAt *time.Time `json:"nextTestAt,omitempty"`
}

// Engine is the singleton monitoring actor. All mutation goes through the
// mutex; the timer goroutine and the control surface never race.
type Engine struct {
	mu sync.Mutex

	store    *Store
	redis    *redis.Client
	apiURL   string
	apiToken string
	log      zerolog.Logger

	cfg    Config
	active bool
	nextAt time.Time
	timer  *time.Timer
}

func NewEngine(store *Store, rdb *redis.Client, apiURL, apiToken string, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		redis:    rdb,
		apiURL:   apiURL,
		apiToken: apiToken,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Load restores persisted config and resumes the schedule if monitoring
// was active before a restart.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.redis.Get(ctx, keyConfig).Result()
	switch {
	case err == redis.Nil:
		return nil
	case err != nil:
		return fmt.Errorf("monitor: load config: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.cfg); err != nil {
		return fmt.Errorf("monitor: decode config: %w", err)
	}
	e.cfg.normalize()

	active, err := e.redis.Get(ctx, keyActive).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("monitor: load active flag: %w", err)
	}
	if active == "1" {
		e.active = true
		e.scheduleLocked(time.Duration(e.cfg.IntervalMs) * time.Millisecond)
		e.log.Info().Int("interval_ms", e.cfg.IntervalMs).Msg("monitoring resumed")
	}
	return nil
}

// Start merges cfg with defaults, persists it, and schedules the first
// cycle. Fails without side effects if the API token is missing.
func (e *Engine) Start(ctx context.Context, cfg Config) (*Status, error) {
	if e.apiToken == "" {
		return nil, fmt.Errorf("%w: monitoring API token not set", ErrConfig)
	}
	cfg.normalize()
	for _, ep := range cfg.Endpoints {
		if !ops.Valid(ops.Kind(ep)) {
			return nil, fmt.Errorf("%w: unknown endpoint %q", ErrConfig, ep)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.persistLocked(ctx, cfg, true); err != nil {
		return nil, err
	}
	e.cfg = cfg
	e.active = true
	e.scheduleLocked(time.Duration(cfg.IntervalMs) * time.Millisecond)

	e.log.Info().Int("interval_ms", cfg.IntervalMs).Strs("endpoints", cfg.Endpoints).
		Msg("monitoring started")
	return e.statusLocked(), nil
}

// Stop clears the active flag and cancels the pending cycle.
func (e *Engine) Stop(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.persistLocked(ctx, e.cfg, false); err != nil {
		return nil, err
	}
	e.active = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.nextAt = time.Time{}

	e.log.Info().Msg("monitoring stopped")
	return e.statusLocked(), nil
}

// Status reports the current schedule.
func (e *Engine) Status() *Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() *Status {
	st := &Status{Active: e.active, Config: e.cfg}
	if e.active && !e.nextAt.IsZero() {
		t := e.nextAt
		st.NextTestAt = &t
	}
	return st
}

// RunOnce executes a single cycle immediately without touching the
// schedule.
func (e *Engine) RunOnce(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	cfg.normalize()
	return e.runCycle(ctx, cfg)
}

// Results pages over recorded probe results.
func (e *Engine) Results(ctx context.Context, f ResultFilter) ([]Result, error) {
	return e.store.Results(ctx, f)
}

// Stats returns the per-endpoint running aggregates.
func (e *Engine) Stats(ctx context.Context) ([]EndpointStats, error) {
	return e.store.Stats(ctx)
}

func (e *Engine) persistLocked(ctx context.Context, cfg Config, active bool) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("monitor: encode config: %w", err)
	}
	pipe := e.redis.Pipeline()
	pipe.Set(ctx, keyConfig, raw, 0)
	flag := "0"
	if active {
		flag = "1"
	}
	pipe.Set(ctx, keyActive, flag, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("monitor: persist state: %w", err)
	}
	return nil
}

// scheduleLocked arms the timer for one cycle after d. The fired handler
// reschedules itself, even when the cycle fails.
func (e *Engine) scheduleLocked(d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.nextAt = time.Now().Add(d)
	e.timer = time.AfterFunc(d, e.alarm)
}

func (e *Engine) alarm() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(len(cfg.Endpoints))*time.Duration(cfg.TimeoutMs)*time.Millisecond+time.Minute)
	if _, err := e.runCycle(ctx, cfg); err != nil {
		e.log.Error().Err(err).Msg("monitoring cycle failed")
	}
	cancel()

	e.mu.Lock()
	if e.active {
		e.scheduleLocked(time.Duration(cfg.IntervalMs) * time.Millisecond)
	}
	e.mu.Unlock()
}
