// Package llm backs the json_extraction operation: a primary model with a
// smaller fallback, a token budget enforced by section-wise truncation, and
// a repair chain for almost-JSON model output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/ops"
)

// ErrExtraction means both providers failed or neither produced usable
// output.
var ErrExtraction = errors.New("llm: extraction failed")

// provider is one model endpoint. ContextTokens bounds total input so the
// truncator can budget per provider.
type provider interface {
	Name() string
	ContextTokens() int
	MaxOutputTokens() int
	Generate(ctx context.Context, system, user string, wantJSON bool) (string, error)
}

// systemBufferTokens reserves room for the system prompt and chat framing
// on top of the page content.
const systemBufferTokens = 1000

// Client chains a primary and a fallback provider.
type Client struct {
	primary  provider
	fallback provider
	log      zerolog.Logger
}

// Config wires the providers from environment settings. Providers with
// missing credentials are skipped.
type Config struct {
	GeminiAPIKey string

	CloudflareURL   string
	CloudflareModel string
	CloudflareToken string
}

func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{log: log.With().Str("component", "llm").Logger()}
	if cfg.GeminiAPIKey != "" {
		c.primary = newGemini(cfg.GeminiAPIKey)
	}
	if cfg.CloudflareURL != "" && cfg.CloudflareToken != "" {
		c.fallback = newCloudflare(cfg.CloudflareURL, cfg.CloudflareModel, cfg.CloudflareToken)
	}
	return c
}

// Available reports whether at least one provider is configured.
func (c *Client) Available() bool { return c.primary != nil || c.fallback != nil }

// Extract runs the two-step extraction: truncate content to the provider's
// budget, call the primary, fall back on failure. JSON responses go through
// the repair chain before being accepted.
func (c *Client) Extract(ctx context.Context, content string, p ops.JSONExtractionParams) (*ops.ExtractionResult, error) {
	if !c.Available() {
		return nil, fmt.Errorf("%w: no provider configured", ErrExtraction)
	}

	wantJSON := p.ResponseType != "text"
	system := buildSystemPrompt(p, wantJSON)

	var firstErr error
	for i, prov := range []provider{c.primary, c.fallback} {
		if prov == nil {
			continue
		}
		budget := prov.ContextTokens() - prov.MaxOutputTokens() - systemBufferTokens
		truncated := truncateToBudget(content, budget)

		raw, err := prov.Generate(ctx, system, truncated, wantJSON)
		if err != nil {
			c.log.Warn().Err(err).Str("provider", prov.Name()).Msg("generation failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		res := &ops.ExtractionResult{Model: prov.Name(), FallbackUsed: i > 0}
		if !wantJSON {
			res.Text = strings.TrimSpace(raw)
			return res, nil
		}

		extracted, err := repairJSON(raw)
		if err != nil {
			c.log.Warn().Err(err).Str("provider", prov.Name()).Msg("unparseable model output")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Extracted = extracted
		return res, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrExtraction, firstErr)
}

// buildSystemPrompt assembles the instruction block. A response_format
// schema takes precedence over a free-form prompt.
func buildSystemPrompt(p ops.JSONExtractionParams, wantJSON bool) string {
	var b strings.Builder
	if wantJSON {
		b.WriteString("You extract structured data from web page content. " +
			"Respond with a single valid JSON object and nothing else. " +
			"No prose, no markdown fences.\n")
	} else {
		b.WriteString("You extract information from web page content. " +
			"Respond with plain text only.\n")
	}
	if len(p.ResponseFormat) > 0 {
		b.WriteString("The response must conform to this JSON schema:\n")
		b.Write(compactOrRaw(p.ResponseFormat))
		b.WriteString("\n")
	} else if p.Prompt != "" {
		b.WriteString("Task: ")
		b.WriteString(p.Prompt)
		b.WriteString("\n")
	}
	if p.Instructions != "" {
		b.WriteString("Additional instructions: ")
		b.WriteString(p.Instructions)
		b.WriteString("\n")
	}
	return b.String()
}

func compactOrRaw(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
