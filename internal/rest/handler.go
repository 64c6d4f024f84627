// Package rest provides the HTTP/JSON API surface.
//
// Endpoints:
//   POST /v1/screenshot ... /v1/json_extraction  - metered operations
//   GET  /v1/credits/balance                     - balance + recent activity
//   POST /v1/users/signup                        - initial credit grant
//   POST /v1/billing/subscription                - subscription change webhook
//   POST /v1/billing/refill                      - monthly refill webhook
//   GET  /v1/pool/stats                          - pool totals
//   GET  /v1/pool/status                         - per-worker detail
//   POST /v1/monitoring/{start,stop,test}        - monitoring control
//   GET  /v1/monitoring/{status,results,stats}   - monitoring queries
//   GET  /health                                 - liveness
//   GET  /ready                                  - readiness
//   GET  /metrics                                - Prometheus metrics
package rest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/ledger"
	"github.com/weblinq/backend/internal/monitor"
	"github.com/weblinq/backend/internal/ops"
	"github.com/weblinq/backend/internal/pipeline"
	"github.com/weblinq/backend/internal/pool"
)

// Handler wires the HTTP surface to the pipeline and the control planes.
type Handler struct {
	pipeline *pipeline.Service
	ledger   *ledger.Ledger
	pool     *pool.Manager
	monitor  *monitor.Engine
	db       *sql.DB
	adminKey string
	log      zerolog.Logger
}

func NewHandler(p *pipeline.Service, l *ledger.Ledger, pm *pool.Manager, m *monitor.Engine, db *sql.DB, adminKey string, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline: p,
		ledger:   l,
		pool:     pm,
		monitor:  m,
		db:       db,
		adminKey: adminKey,
		log:      logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	for _, kind := range ops.All {
		mux.HandleFunc("/v1/"+string(kind), h.operationHandler(kind))
	}

	mux.HandleFunc("/v1/credits/balance", h.handleBalance)
	mux.HandleFunc("/v1/users/signup", h.handleSignup)
	mux.HandleFunc("/v1/billing/subscription", h.handleSubscription)
	mux.HandleFunc("/v1/billing/refill", h.handleRefill)

	mux.HandleFunc("/v1/pool/stats", h.adminOnly(h.handlePoolStats))
	mux.HandleFunc("/v1/pool/status", h.adminOnly(h.handlePoolStatus))

	mux.HandleFunc("/v1/monitoring/start", h.adminOnly(h.handleMonitoringStart))
	mux.HandleFunc("/v1/monitoring/stop", h.adminOnly(h.handleMonitoringStop))
	mux.HandleFunc("/v1/monitoring/status", h.adminOnly(h.handleMonitoringStatus))
	mux.HandleFunc("/v1/monitoring/results", h.adminOnly(h.handleMonitoringResults))
	mux.HandleFunc("/v1/monitoring/stats", h.adminOnly(h.handleMonitoringStats))
	mux.HandleFunc("/v1/monitoring/test", h.adminOnly(h.handleMonitoringTest))

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// operationHandler builds the POST handler for one metered operation.
func (h *Handler) operationHandler(kind ops.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeEnvelopeError(w, http.StatusMethodNotAllowed, pipeline.CodeValidation, "method not allowed")
			return
		}
		userID := h.userID(r)
		if userID == "" {
			h.writeEnvelopeError(w, http.StatusUnauthorized, pipeline.CodeAuthRequired, "user identity required")
			return
		}

		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			h.writeEnvelopeError(w, http.StatusBadRequest, pipeline.CodeValidation, "invalid JSON: "+err.Error())
			return
		}

		resp := h.pipeline.Execute(r.Context(), kind, params, userID)
		h.writeJSON(w, envelopeStatus(resp), resp)
	}
}

// envelopeStatus maps pipeline error codes to HTTP statuses. Success is
// always 200, cache hits included.
func envelopeStatus(resp *pipeline.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case pipeline.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case pipeline.CodeValidation:
		return http.StatusUnprocessableEntity
	case pipeline.CodeAuthRequired:
		return http.StatusUnauthorized
	case pipeline.CodeNotFound:
		return http.StatusNotFound
	case pipeline.CodeRateLimited:
		return http.StatusTooManyRequests
	case pipeline.CodeBrowserBusy:
		return http.StatusServiceUnavailable
	case pipeline.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleBalance handles GET /v1/credits/balance
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := h.userID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "user identity required")
		return
	}

	bal, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "account not provisioned")
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("balance read failed")
		h.writeError(w, http.StatusInternalServerError, "balance unavailable")
		return
	}

	txs, err := h.ledger.Transactions(r.Context(), userID, 20)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("transaction read failed")
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"balance":      bal.Balance,
		"plan":         bal.Plan,
		"lastRefill":   bal.LastRefill,
		"transactions": txs,
	})
}

// handleSignup handles POST /v1/users/signup
func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := h.userID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "user identity required")
		return
	}

	err := h.ledger.AssignInitial(r.Context(), userID)
	switch {
	case errors.Is(err, ledger.ErrAlreadyAssigned):
		h.writeJSON(w, http.StatusOK, map[string]any{"assigned": false})
	case err != nil:
		h.log.Error().Err(err).Str("user_id", userID).Msg("initial grant failed")
		h.writeError(w, http.StatusInternalServerError, "signup grant failed")
	default:
		h.writeJSON(w, http.StatusCreated, map[string]any{"assigned": true})
	}
}

type subscriptionEvent struct {
	UserID         string `json:"userId"`
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
	Plan           string `json:"plan"`
}

// handleSubscription handles POST /v1/billing/subscription
func (h *Handler) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ev subscriptionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if ev.UserID == "" || ev.SubscriptionID == "" {
		h.writeError(w, http.StatusBadRequest, "userId and subscriptionId are required")
		return
	}

	change, err := h.ledger.OnSubscriptionChange(r.Context(), ev.UserID, ev.SubscriptionID, ev.Status, ev.Plan)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", ev.UserID).Msg("subscription change failed")
		h.writeError(w, http.StatusInternalServerError, "subscription change failed")
		return
	}
	h.writeJSON(w, http.StatusOK, change)
}

type refillEvent struct {
	UserID         string `json:"userId"`
	SubscriptionID string `json:"subscriptionId"`
	OrderID        string `json:"orderId"`
}

// handleRefill handles POST /v1/billing/refill
func (h *Handler) handleRefill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ev refillEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if ev.UserID == "" || ev.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "userId and orderId are required")
		return
	}

	err := h.ledger.ApplyMonthlyRefill(r.Context(), ev.UserID, ev.SubscriptionID, ev.OrderID)
	switch {
	case errors.Is(err, ledger.ErrAlreadyApplied):
		h.writeJSON(w, http.StatusOK, map[string]any{"applied": false, "reason": "duplicate order"})
	case err != nil:
		h.log.Error().Err(err).Str("user_id", ev.UserID).Msg("refill failed")
		h.writeError(w, http.StatusInternalServerError, "refill failed")
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{"applied": true})
	}
}

// handlePoolStats handles GET /v1/pool/stats
func (h *Handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.pool.GetStats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("pool stats failed")
		h.writeError(w, http.StatusInternalServerError, "pool stats unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// handlePoolStatus handles GET /v1/pool/status
func (h *Handler) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	records, err := h.pool.GetDetailedStatus(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("pool status failed")
		h.writeError(w, http.StatusInternalServerError, "pool status unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workers": records})
}

// handleMonitoringStart handles POST /v1/monitoring/start
func (h *Handler) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var cfg monitor.Config
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	status, err := h.monitor.Start(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, monitor.ErrConfig) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("monitoring start failed")
		h.writeError(w, http.StatusInternalServerError, "monitoring start failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": status})
}

// handleMonitoringStop handles POST /v1/monitoring/stop
func (h *Handler) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := h.monitor.Stop(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("monitoring stop failed")
		h.writeError(w, http.StatusInternalServerError, "monitoring stop failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": status})
}

// handleMonitoringStatus handles GET /v1/monitoring/status
func (h *Handler) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": h.monitor.Status()})
}

// handleMonitoringResults handles GET /v1/monitoring/results
func (h *Handler) handleMonitoringResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	filter := monitor.ResultFilter{
		Endpoint:    q.Get("endpoint"),
		SuccessOnly: q.Get("successOnly") == "true",
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}

	results, err := h.monitor.Results(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("monitoring results query failed")
		h.writeError(w, http.StatusInternalServerError, "results unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"results": results}})
}

// handleMonitoringStats handles GET /v1/monitoring/stats
func (h *Handler) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.monitor.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("monitoring stats query failed")
		h.writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"endpoints": stats}})
}

// handleMonitoringTest handles POST /v1/monitoring/test
func (h *Handler) handleMonitoringTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	session, err := h.monitor.RunOnce(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("monitoring test cycle failed")
		h.writeError(w, http.StatusInternalServerError, "test cycle failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": session})
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// userID extracts the authenticated user. The gateway in front of this
// service does the actual authentication and forwards the identity.
func (h *Handler) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

// adminOnly guards control-plane endpoints with the bearer admin key.
func (h *Handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			h.writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != h.adminKey {
			h.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

// writeEnvelopeError writes a pipeline-shaped error envelope for operation
// endpoints.
func (h *Handler) writeEnvelopeError(w http.ResponseWriter, statusCode int, code, message string) {
	h.writeJSON(w, statusCode, &pipeline.Response{
		Success: false,
		Error:   &pipeline.ErrorBody{Message: message, Code: code},
	})
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a plain JSON error response for non-operation
// endpoints.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// LoggingMiddleware logs all HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
