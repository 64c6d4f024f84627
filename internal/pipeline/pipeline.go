// Package pipeline is the per-request orchestrator: credit check, cache
// lookup, pool-backed execution, then background deduct and cache write.
// Every public operation goes through Execute with the same contract.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/browser"
	"github.com/weblinq/backend/internal/cache"
	"github.com/weblinq/backend/internal/errlog"
	"github.com/weblinq/backend/internal/ledger"
	"github.com/weblinq/backend/internal/llm"
	"github.com/weblinq/backend/internal/ops"
	"github.com/weblinq/backend/internal/pool"
)

// Error codes on the wire.
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeValidation          = "validation_error"
	CodeAuthRequired        = "auth_required"
	CodeNotFound            = "not_found"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
	CodeBrowserBusy         = "browser_busy"
	CodeTimeout             = "timeout"
	CodeExtractionFailed    = "extraction_failed"
)

// Caller-side acquire retry: separate from the pool's internal recovery.
const (
	acquireRetries      = 5
	acquireRetryBackoff = 200 * time.Millisecond
)

// backgroundTimeout bounds the detached deduct and cache writes.
const backgroundTimeout = 10 * time.Second

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Response is the uniform operation envelope.
type Response struct {
	Success          bool            `json:"success"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            *ErrorBody      `json:"error,omitempty"`
	CreditsCost      int64           `json:"creditsCost"`
	CreditsRemaining int64           `json:"creditsRemaining"`
	FromCache        bool            `json:"fromCache"`
}

// Options tunes pipeline behavior from configuration.
type Options struct {
	// ChargeCacheHits keeps billing uniform: a hit schedules the same
	// background deduct a fresh execution does.
	ChargeCacheHits bool
	// CacheBypass disables the artifact cache entirely (development mode).
	CacheBypass bool
}

// Service runs operations end to end.
type Service struct {
	ledger *ledger.Ledger
	cache  *cache.Cache
	pool   *pool.Manager
	exec   *ops.Executor
	errors *errlog.Logger
	opts   Options
	log    zerolog.Logger
}

func New(l *ledger.Ledger, c *cache.Cache, p *pool.Manager, exec *ops.Executor, errs *errlog.Logger, opts Options, log zerolog.Logger) *Service {
	return &Service{
		ledger: l,
		cache:  c,
		pool:   p,
		exec:   exec,
		errors: errs,
		opts:   opts,
		log:    log.With().Str("component", "pipeline").Logger(),
	}
}

// Execute runs one operation for userID. It always returns an envelope;
// failures are encoded, never returned as a Go error.
func (s *Service) Execute(ctx context.Context, kind ops.Kind, params map[string]any, userID string) *Response {
	started := time.Now()
	resp := s.execute(ctx, kind, params, userID)

	outcome := "success"
	if !resp.Success {
		outcome = resp.Error.Code
	} else if resp.FromCache {
		outcome = "cache_hit"
	}
	metricRequests.WithLabelValues(string(kind), outcome).Inc()
	metricDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
	return resp
}

func (s *Service) execute(ctx context.Context, kind ops.Kind, params map[string]any, userID string) *Response {
	if !ops.Valid(kind) {
		return fail(ops.Cost(kind), 0, CodeValidation, "unknown operation")
	}
	if err := ops.Validate(kind, params); err != nil {
		return fail(ops.Cost(kind), 0, CodeValidation, err.Error())
	}
	cost := ops.Cost(kind)

	bal, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logFailure(userID, kind, CodeInternal, "balance row missing", err, "critical")
			return fail(cost, 0, CodeInternal, "account not provisioned")
		}
		s.logFailure(userID, kind, CodeInternal, "balance read failed", err, "error")
		return fail(cost, 0, CodeInternal, "balance unavailable")
	}
	if bal.Balance < cost {
		return fail(cost, bal.Balance, CodeInsufficientCredits, "insufficient credits")
	}

	var cacheKey string
	if !s.opts.CacheBypass {
		cacheKey = cache.Key(string(kind), userID, params)
		if body, ok := s.cache.Get(ctx, cacheKey, string(kind)); ok {
			metricCacheHits.WithLabelValues(string(kind)).Inc()
			remaining := bal.Balance
			chargedCost := int64(0)
			if s.opts.ChargeCacheHits {
				s.scheduleDeduct(userID, kind, cost)
				remaining = bal.Balance - cost
				chargedCost = cost
			}
			return &Response{
				Success:          true,
				Data:             body,
				CreditsCost:      chargedCost,
				CreditsRemaining: remaining,
				FromCache:        true,
			}
		}
	}

	data, err := s.run(ctx, kind, params)
	if err != nil {
		code, msg := classify(err)
		s.logFailure(userID, kind, code, msg, err, "error")
		return fail(cost, bal.Balance, code, msg)
	}

	s.scheduleDeduct(userID, kind, cost)
	if cacheKey != "" {
		s.scheduleCacheWrite(cacheKey, kind, userID, data)
	}
	return &Response{
		Success:          true,
		Data:             data,
		CreditsCost:      cost,
		CreditsRemaining: bal.Balance - cost,
		FromCache:        false,
	}
}

// run performs the op-specific flow, going through the pool only when the
// operation needs a browser.
func (s *Service) run(ctx context.Context, kind ops.Kind, params map[string]any) (json.RawMessage, error) {
	if !s.exec.NeedsBrowser(kind) {
		return s.exec.Execute(ctx, kind, params, nil)
	}

	assignment, session, err := s.acquireSession(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.exec.Execute(ctx, kind, params, session)

	status := pool.StatusIdle
	errMsg := ""
	if err != nil {
		status = pool.StatusError
		errMsg = err.Error()
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if repErr := s.pool.ReportStatus(releaseCtx, assignment.WorkerID, status, errMsg); repErr != nil {
		s.log.Warn().Err(repErr).Str("worker_id", assignment.WorkerID).Msg("release failed")
	}
	return data, err
}

// acquireSession gets a worker from the pool and proves the session is
// live. A dead session is reported as error and the acquire is retried with
// exponential backoff.
func (s *Service) acquireSession(ctx context.Context) (pool.Assignment, browser.Session, error) {
	var lastErr error
	for attempt := 0; attempt < acquireRetries; attempt++ {
		if attempt > 0 {
			delay := acquireRetryBackoff * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return pool.Assignment{}, nil, ctx.Err()
			}
		}

		assignment, err := s.pool.Acquire(ctx)
		if err != nil {
			return pool.Assignment{}, nil, err
		}

		worker, ok := s.pool.Worker(assignment.WorkerID)
		if !ok {
			lastErr = errors.New("assigned worker vanished")
			continue
		}
		session, err := worker.Connect(ctx)
		if err != nil {
			lastErr = err
			s.log.Warn().Err(err).Str("worker_id", assignment.WorkerID).Int("attempt", attempt+1).
				Msg("session connect failed, reporting error")
			if repErr := s.pool.ReportStatus(ctx, assignment.WorkerID, pool.StatusError, err.Error()); repErr != nil {
				s.log.Warn().Err(repErr).Msg("error report failed")
			}
			continue
		}
		return assignment, session, nil
	}
	return pool.Assignment{}, nil, lastErr
}

func (s *Service) scheduleDeduct(userID string, kind ops.Kind, cost int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := s.ledger.Deduct(ctx, userID, cost, ledger.OpReason(string(kind)), nil); err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Str("operation", string(kind)).
				Msg("background deduct failed")
		}
	}()
}

func (s *Service) scheduleCacheWrite(key string, kind ops.Kind, userID string, body json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		s.cache.Put(ctx, key, string(kind), userID, body)
	}()
}

func (s *Service) logFailure(userID string, kind ops.Kind, code, msg string, err error, level string) {
	if s.errors == nil {
		return
	}
	s.errors.RecordAsync(errlog.Entry{
		UserID:    userID,
		Level:     level,
		Source:    "pipeline",
		Operation: string(kind),
		ErrorCode: code,
		Message:   err.Error(),
		Context:   map[string]any{"summary": msg},
	})
}

func fail(cost, remaining int64, code, msg string) *Response {
	return &Response{
		Success:          false,
		Error:            &ErrorBody{Message: msg, Code: code},
		CreditsCost:      cost,
		CreditsRemaining: remaining,
	}
}

// classify maps an execution error to a wire code and a caller-safe
// message.
func classify(err error) (code, msg string) {
	switch {
	case errors.Is(err, ops.ErrValidation):
		return CodeValidation, err.Error()
	case errors.Is(err, ledger.ErrInsufficient):
		return CodeInsufficientCredits, "insufficient credits"
	case errors.Is(err, pool.ErrPoolExhausted):
		return CodeBrowserBusy, "no browser available, try again shortly"
	case errors.Is(err, llm.ErrExtraction):
		return CodeExtractionFailed, "extraction failed"
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, "operation timed out"
	default:
		return CodeInternal, "operation failed"
	}
}
