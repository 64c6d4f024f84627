package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrValidation wraps parameter problems; surfaced as a 422-equivalent.
var ErrValidation = errors.New("ops: invalid parameters")

// ScreenshotParams configures a screenshot capture.
type ScreenshotParams struct {
	URL      string `json:"url"`
	Viewport *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
	Format   string `json:"format,omitempty"` // png, jpeg, webp
	Quality  int    `json:"quality,omitempty"`
	Selector string `json:"selector,omitempty"`
	WaitTime int    `json:"waitTime,omitempty"` // milliseconds
}

// MarkdownParams configures markdown extraction.
type MarkdownParams struct {
	URL      string `json:"url"`
	WaitTime int    `json:"waitTime,omitempty"`
}

// ContentParams configures raw HTML retrieval.
type ContentParams struct {
	URL      string `json:"url"`
	WaitTime int    `json:"waitTime,omitempty"`
}

// LinksParams configures link extraction.
type LinksParams struct {
	URL              string `json:"url"`
	IncludeExternal  *bool  `json:"includeExternal,omitempty"`  // default true
	VisibleLinksOnly bool   `json:"visibleLinksOnly,omitempty"` // default false
	WaitTime         int    `json:"waitTime,omitempty"`
}

// PDFParams configures PDF rendering.
type PDFParams struct {
	URL      string `json:"url"`
	Format   string `json:"format,omitempty"` // A4, Letter, Legal
	WaitTime int    `json:"waitTime,omitempty"`
}

// ScrapeElement selects one group of elements to extract.
type ScrapeElement struct {
	Selector   string   `json:"selector"`
	Attributes []string `json:"attributes,omitempty"`
}

// ScrapeParams configures element scraping.
type ScrapeParams struct {
	URL      string            `json:"url"`
	Elements []ScrapeElement   `json:"elements"`
	WaitTime int               `json:"waitTime,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Mobile   bool              `json:"mobile,omitempty"`
	Timeout  int               `json:"timeout,omitempty"` // milliseconds, caps the nav budget
}

// SearchParams configures web search.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"` // capped at 20
}

// JSONExtractionParams configures AI-assisted structured extraction.
type JSONExtractionParams struct {
	URL            string          `json:"url"`
	WaitTime       int             `json:"waitTime,omitempty"`
	ResponseType   string          `json:"responseType,omitempty"` // json (default) or text
	Prompt         string          `json:"prompt,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Instructions   string          `json:"instructions,omitempty"`
}

// Decode unmarshals a raw params map into the typed struct for kind and
// validates it. The raw map stays the cache-key input; the typed struct is
// what executors consume.
func Decode(kind Kind, raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Validate checks a raw params map for kind without executing anything.
func Validate(kind Kind, raw map[string]any) error {
	switch kind {
	case Search:
		var p SearchParams
		if err := Decode(kind, raw, &p); err != nil {
			return err
		}
		if p.Query == "" {
			return fmt.Errorf("%w: query is required", ErrValidation)
		}
		return nil
	case Scrape:
		var p ScrapeParams
		if err := Decode(kind, raw, &p); err != nil {
			return err
		}
		if err := requireURL(p.URL); err != nil {
			return err
		}
		if len(p.Elements) == 0 {
			return fmt.Errorf("%w: at least one element selector is required", ErrValidation)
		}
		for _, el := range p.Elements {
			if el.Selector == "" {
				return fmt.Errorf("%w: element selector must not be empty", ErrValidation)
			}
		}
		return nil
	case Screenshot:
		var p ScreenshotParams
		if err := Decode(kind, raw, &p); err != nil {
			return err
		}
		switch p.Format {
		case "", "png", "jpeg", "webp":
		default:
			return fmt.Errorf("%w: unsupported format %q", ErrValidation, p.Format)
		}
		return requireURL(p.URL)
	case PDF:
		var p PDFParams
		if err := Decode(kind, raw, &p); err != nil {
			return err
		}
		switch p.Format {
		case "", "A4", "Letter", "Legal":
		default:
			return fmt.Errorf("%w: unsupported format %q", ErrValidation, p.Format)
		}
		return requireURL(p.URL)
	case Markdown, Content, Links, JSONExtraction:
		u, _ := raw["url"].(string)
		return requireURL(u)
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrValidation, kind)
	}
}

func requireURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrValidation)
	}
	return nil
}

// waitTime converts the caller's extra wait (ms) to a duration, capped so
// one request cannot park a worker.
func waitTime(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	if ms > 10000 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}
