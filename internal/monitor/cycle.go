package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// testPayloads are the canonical probe bodies, one per operation. Stable
// targets keep response-time history comparable across cycles.
var testPayloads = map[string]map[string]any{
	"screenshot":      {"url": "https://example.com"},
	"markdown":        {"url": "https://example.com"},
	"content":         {"url": "https://example.com"},
	"links":           {"url": "https://example.com"},
	"pdf":             {"url": "https://example.com"},
	"scrape":          {"url": "https://example.com", "elements": []map[string]any{{"selector": "h1"}}},
	"search":          {"query": "web scraping api", "limit": 3},
	"json_extraction": {"url": "https://example.com", "prompt": "Extract the page title and main heading."},
}

// probeResponse is the slice of the operation envelope the engine cares
// about.
type probeResponse struct {
	Success     bool  `json:"success"`
	CreditsCost int64 `json:"creditsCost"`
	Error       *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// runCycle probes every enabled endpoint in sequence and wraps the run in
// a finalized session row.
func (e *Engine) runCycle(ctx context.Context, cfg Config) (*Session, error) {
	sessionID, startedAt, err := e.store.beginSession(ctx)
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: sessionID, StartedAt: startedAt}

	var totalTime int64
	for _, endpoint := range cfg.Endpoints {
		result := e.probe(ctx, sessionID, endpoint, cfg.TimeoutMs)

		sess.TotalTests++
		totalTime += result.ResponseTimeMs
		if result.Success {
			sess.Passed++
		} else {
			sess.Failed++
		}

		if err := e.store.recordResult(ctx, result); err != nil {
			e.log.Error().Err(err).Str("endpoint", endpoint).Msg("result write failed")
		}
	}

	sess.FinishedAt = time.Now().UTC()
	if sess.TotalTests > 0 {
		sess.AvgResponseTimeMs = totalTime / int64(sess.TotalTests)
	}
	if err := e.store.finishSession(ctx, sess); err != nil {
		return sess, err
	}

	e.log.Info().Str("session_id", sessionID).Int("passed", sess.Passed).
		Int("failed", sess.Failed).Int64("avg_ms", sess.AvgResponseTimeMs).
		Msg("monitoring cycle complete")
	return sess, nil
}

// probe fires one canonical request and times it. All failures become an
// unsuccessful result row; probes never abort the cycle.
func (e *Engine) probe(ctx context.Context, sessionID, endpoint string, timeoutMs int) Result {
	result := Result{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Endpoint:  endpoint,
		Timestamp: time.Now().UTC(),
	}

	payload, ok := testPayloads[endpoint]
	if !ok {
		result.ErrorMessage = fmt.Sprintf("no test payload for %q", endpoint)
		return result
	}
	body, err := json.Marshal(payload)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	url := strings.TrimRight(e.apiURL, "/") + "/v1/" + endpoint
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiToken)

	started := time.Now()
	resp, err := http.DefaultClient.Do(req)
	result.ResponseTimeMs = time.Since(started).Milliseconds()
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	result.ResponseSize = len(respBody)

	var envelope probeResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		result.ErrorMessage = fmt.Sprintf("unparseable response: %v", err)
		return result
	}

	result.Success = resp.StatusCode == http.StatusOK && envelope.Success
	result.CreditsCost = envelope.CreditsCost
	if !result.Success && envelope.Error != nil {
		result.ErrorMessage = envelope.Error.Message
	}
	return result
}
