package ops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequiresAbsoluteURL(t *testing.T) {
	for _, kind := range []Kind{Screenshot, Markdown, Content, Links, PDF, JSONExtraction} {
		err := Validate(kind, map[string]any{})
		assert.ErrorIs(t, err, ErrValidation, "kind %s, missing url", kind)

		err = Validate(kind, map[string]any{"url": "not-a-url"})
		assert.ErrorIs(t, err, ErrValidation, "kind %s, relative url", kind)

		err = Validate(kind, map[string]any{"url": "ftp://example.com/f"})
		assert.ErrorIs(t, err, ErrValidation, "kind %s, wrong scheme", kind)
	}
}

func TestValidateAcceptsWellFormedParams(t *testing.T) {
	assert.NoError(t, Validate(Screenshot, map[string]any{"url": "https://example.com", "format": "png"}))
	assert.NoError(t, Validate(Markdown, map[string]any{"url": "http://example.com"}))
	assert.NoError(t, Validate(Search, map[string]any{"query": "golang", "limit": 5}))
	assert.NoError(t, Validate(Scrape, map[string]any{
		"url":      "https://example.com",
		"elements": []any{map[string]any{"selector": "h1"}},
	}))
	assert.NoError(t, Validate(PDF, map[string]any{"url": "https://example.com", "format": "Letter"}))
}

func TestValidateRejectsBadFormats(t *testing.T) {
	err := Validate(Screenshot, map[string]any{"url": "https://example.com", "format": "gif"})
	assert.ErrorIs(t, err, ErrValidation)

	err = Validate(PDF, map[string]any{"url": "https://example.com", "format": "Tabloid"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateSearchRequiresQuery(t *testing.T) {
	assert.ErrorIs(t, Validate(Search, map[string]any{}), ErrValidation)
	assert.ErrorIs(t, Validate(Search, map[string]any{"query": ""}), ErrValidation)
}

func TestValidateScrapeRequiresElements(t *testing.T) {
	err := Validate(Scrape, map[string]any{"url": "https://example.com"})
	assert.ErrorIs(t, err, ErrValidation)

	err = Validate(Scrape, map[string]any{
		"url":      "https://example.com",
		"elements": []any{map[string]any{"selector": ""}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateUnknownKind(t *testing.T) {
	assert.ErrorIs(t, Validate(Kind("teleport"), map[string]any{}), ErrValidation)
}

func TestDecodeLinksDefaults(t *testing.T) {
	var p LinksParams
	err := Decode(Links, map[string]any{"url": "https://example.com"}, &p)
	assert.NoError(t, err)
	assert.Nil(t, p.IncludeExternal) // nil means default-true downstream
	assert.False(t, p.VisibleLinksOnly)
}

func TestCreditCostTable(t *testing.T) {
	for _, kind := range All {
		want := int64(1)
		if kind == JSONExtraction {
			want = 2
		}
		assert.Equal(t, want, Cost(kind), "kind %s", kind)
	}
	assert.Equal(t, int64(0), Cost(Kind("unknown")))
}

func TestSpecsCoverEveryBrowserOperation(t *testing.T) {
	for _, kind := range All {
		if kind == JSONExtraction {
			// Composes the markdown profile.
			continue
		}
		spec, ok := Specs[kind]
		assert.True(t, ok, "missing spec for %s", kind)
		assert.Greater(t, spec.Timeout, time.Duration(0), "kind %s", kind)
	}

	// Renders need resources; text extraction doesn't.
	assert.False(t, Specs[Screenshot].BlockResources)
	assert.False(t, Specs[PDF].BlockResources)
	assert.True(t, Specs[Markdown].BlockResources)
	assert.True(t, Specs[Links].BlockResources)
}

func TestWaitTimeCaps(t *testing.T) {
	assert.Equal(t, time.Duration(0), waitTime(0))
	assert.Equal(t, time.Duration(0), waitTime(-5))
	assert.Equal(t, 500*time.Millisecond, waitTime(500))
	assert.Equal(t, 10*time.Second, waitTime(60000))
}
