package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weblinq/backend/internal/ops"
)

type fakeProvider struct {
	name    string
	context int
	output  string
	err     error

	gotSystem string
	gotUser   string
	calls     int
}

func (p *fakeProvider) Name() string         { return p.name }
func (p *fakeProvider) ContextTokens() int   { return p.context }
func (p *fakeProvider) MaxOutputTokens() int { return 1000 }

func (p *fakeProvider) Generate(ctx context.Context, system, user string, wantJSON bool) (string, error) {
	p.calls++
	p.gotSystem = system
	p.gotUser = user
	return p.output, p.err
}

func newFakeClient(primary, fallback provider) *Client {
	return &Client{primary: primary, fallback: fallback, log: zerolog.Nop()}
}

func TestExtractUsesPrimary(t *testing.T) {
	primary := &fakeProvider{name: "gemini", context: 100000, output: `{"title":"Hello"}`}
	fallback := &fakeProvider{name: "workers-ai", context: 24000}
	c := newFakeClient(primary, fallback)

	res, err := c.Extract(context.Background(), "# Page\n\nHello.", ops.JSONExtractionParams{Prompt: "get the title"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", res.Model)
	assert.False(t, res.FallbackUsed)
	assert.JSONEq(t, `{"title":"Hello"}`, string(res.Extracted))
	assert.Equal(t, 0, fallback.calls)
}

func TestExtractFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &fakeProvider{name: "gemini", context: 100000, err: errors.New("quota exceeded")}
	fallback := &fakeProvider{name: "workers-ai", context: 24000, output: `{"title":"Hello"}`}
	c := newFakeClient(primary, fallback)

	res, err := c.Extract(context.Background(), "Hello.", ops.JSONExtractionParams{})
	require.NoError(t, err)
	assert.Equal(t, "workers-ai", res.Model)
	assert.True(t, res.FallbackUsed)
}

func TestExtractFallsBackOnUnparseableOutput(t *testing.T) {
	primary := &fakeProvider{name: "gemini", context: 100000, output: "I cannot help with that."}
	fallback := &fakeProvider{name: "workers-ai", context: 24000, output: "```json\n{\"ok\":true}\n```"}
	c := newFakeClient(primary, fallback)

	res, err := c.Extract(context.Background(), "Hello.", ops.JSONExtractionParams{})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.JSONEq(t, `{"ok":true}`, string(res.Extracted))
}

func TestExtractBothProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: "gemini", context: 100000, err: errors.New("down")}
	fallback := &fakeProvider{name: "workers-ai", context: 24000, err: errors.New("also down")}
	c := newFakeClient(primary, fallback)

	_, err := c.Extract(context.Background(), "Hello.", ops.JSONExtractionParams{})
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractTextResponseSkipsRepair(t *testing.T) {
	primary := &fakeProvider{name: "gemini", context: 100000, output: "  The page is about scraping.  "}
	c := newFakeClient(primary, nil)

	res, err := c.Extract(context.Background(), "Hello.", ops.JSONExtractionParams{ResponseType: "text"})
	require.NoError(t, err)
	assert.Equal(t, "The page is about scraping.", res.Text)
	assert.Empty(t, res.Extracted)
}

func TestExtractTruncatesPerProviderBudget(t *testing.T) {
	// Fallback budget: 2000 - 1000 - 1000 = 0 tokens, so it sees "" while
	// the primary sees the full content.
	primary := &fakeProvider{name: "gemini", context: 100000, err: errors.New("down")}
	fallback := &fakeProvider{name: "workers-ai", context: 2000, output: `{"ok":true}`}
	c := newFakeClient(primary, fallback)

	content := strings.Repeat("content ", 100)
	_, err := c.Extract(context.Background(), content, ops.JSONExtractionParams{})
	require.NoError(t, err)
	assert.Equal(t, content, primary.gotUser)
	assert.Empty(t, fallback.gotUser)
}

func TestExtractNoProvidersConfigured(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	assert.False(t, c.Available())

	_, err := c.Extract(context.Background(), "Hello.", ops.JSONExtractionParams{})
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestBuildSystemPromptSchemaWinsOverPrompt(t *testing.T) {
	p := ops.JSONExtractionParams{
		Prompt:         "get the title",
		ResponseFormat: []byte(`{"type": "object"}`),
		Instructions:   "prices in USD",
	}
	got := buildSystemPrompt(p, true)
	assert.Contains(t, got, `{"type":"object"}`)
	assert.NotContains(t, got, "get the title")
	assert.Contains(t, got, "prices in USD")
}
