package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultCloudflareModel = "@cf/meta/llama-3.1-8b-instruct"

// cloudflare is the fallback provider, a Workers AI text model. Smaller
// context than the primary, so the truncator re-budgets per provider.
type cloudflare struct {
	baseURL string
	model   string
	token   string
	http    *http.Client
}

func newCloudflare(baseURL, model, token string) *cloudflare {
	if model == "" {
		model = defaultCloudflareModel
	}
	return &cloudflare{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *cloudflare) Name() string         { return c.model }
func (c *cloudflare) ContextTokens() int   { return 24000 }
func (c *cloudflare) MaxOutputTokens() int { return 2048 }

type cfMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cfRequest struct {
	Messages  []cfMessage `json:"messages"`
	MaxTokens int         `json:"max_tokens"`
}

type cfResponse struct {
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *cloudflare) Generate(ctx context.Context, system, user string, wantJSON bool) (string, error) {
	reqBody := cfRequest{
		Messages: []cfMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: c.MaxOutputTokens(),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := c.baseURL + "/" + c.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("workers-ai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("workers-ai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workers-ai status %d: %s", resp.StatusCode, truncateErr(body))
	}

	var out cfResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("workers-ai decode: %w", err)
	}
	if !out.Success {
		msg := "unknown error"
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return "", fmt.Errorf("workers-ai: %s", msg)
	}
	if out.Result.Response == "" {
		return "", fmt.Errorf("workers-ai: empty response")
	}
	return out.Result.Response, nil
}
