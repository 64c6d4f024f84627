package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/browser"
)

// SearchResult is one mapped hit from the external search service.
type SearchResult struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	Favicon       string `json:"favicon,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// Searcher runs a web search. requestID is the upstream correlation id when
// the service returns one.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (results []SearchResult, requestID string, err error)
}

// ExtractionResult is the outcome of an AI-assisted extraction.
type ExtractionResult struct {
	Extracted    json.RawMessage // responseType json
	Text         string          // responseType text
	Model        string
	FallbackUsed bool
}

// Extractor turns page markdown into structured output via an LLM.
type Extractor interface {
	Extract(ctx context.Context, content string, p JSONExtractionParams) (*ExtractionResult, error)
}

// Executor runs one operation against a pool-assigned session. Search never
// touches a browser; jsonExtraction composes the markdown path with the
// Extractor.
type Executor struct {
	search Searcher
	llm    Extractor
	log    zerolog.Logger
}

func NewExecutor(search Searcher, llm Extractor, log zerolog.Logger) *Executor {
	return &Executor{search: search, llm: llm, log: log.With().Str("component", "executor").Logger()}
}

// NeedsBrowser reports whether k requires a session from the pool.
func (e *Executor) NeedsBrowser(k Kind) bool { return k != Search }

// Execute validates raw params for k, runs the operation, and returns the
// response data object. session may be nil only for operations where
// NeedsBrowser is false.
func (e *Executor) Execute(ctx context.Context, k Kind, raw map[string]any, session browser.Session) (json.RawMessage, error) {
	if k == Search {
		return e.runSearch(ctx, raw)
	}

	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close(context.WithoutCancel(ctx))

	switch k {
	case Screenshot:
		return e.runScreenshot(ctx, page, raw)
	case Markdown:
		return e.runMarkdown(ctx, page, raw)
	case Content:
		return e.runContent(ctx, page, raw)
	case Links:
		return e.runLinks(ctx, page, raw)
	case PDF:
		return e.runPDF(ctx, page, raw)
	case Scrape:
		return e.runScrape(ctx, page, raw)
	case JSONExtraction:
		return e.runJSONExtraction(ctx, page, raw)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrValidation, k)
	}
}

func (e *Executor) runScreenshot(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p ScreenshotParams
	if err := Decode(Screenshot, raw, &p); err != nil {
		return nil, err
	}

	opts := NavOptions(Screenshot, waitTime(p.WaitTime), nil, false)
	if p.Viewport != nil {
		opts.ViewportWidth = p.Viewport.Width
		opts.ViewportHeight = p.Viewport.Height
	}
	if err := page.Navigate(ctx, p.URL, opts); err != nil {
		return nil, err
	}

	format := p.Format
	if format == "" {
		format = "png"
	}
	body, err := page.Screenshot(ctx, browser.ScreenshotOptions{
		FullPage: p.FullPage,
		Format:   format,
		Quality:  p.Quality,
		Selector: p.Selector,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	return marshalData(map[string]any{
		"body": body, // base64 on the wire
		"metadata": map[string]any{
			"url":    p.URL,
			"size":   len(body),
			"format": format,
		},
	})
}

func (e *Executor) runContent(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p ContentParams
	if err := Decode(Content, raw, &p); err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, p.URL, NavOptions(Content, waitTime(p.WaitTime), nil, false)); err != nil {
		return nil, err
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return marshalData(map[string]any{
		"content":  html,
		"metadata": map[string]any{"url": p.URL},
	})
}

func (e *Executor) runMarkdown(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p MarkdownParams
	if err := Decode(Markdown, raw, &p); err != nil {
		return nil, err
	}
	markdown, err := e.pageMarkdown(ctx, page, p.URL, waitTime(p.WaitTime))
	if err != nil {
		return nil, err
	}
	return marshalData(map[string]any{
		"markdown": markdown,
		"metadata": map[string]any{
			"url":       p.URL,
			"wordCount": len(strings.Fields(markdown)),
		},
	})
}

// pageMarkdown navigates under the markdown profile and converts the
// document. Shared with jsonExtraction, which feeds the result to the LLM.
func (e *Executor) pageMarkdown(ctx context.Context, page browser.Page, url string, extraWait time.Duration) (string, error) {
	if err := page.Navigate(ctx, url, NavOptions(Markdown, extraWait, nil, false)); err != nil {
		return "", err
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	markdown, err := md.NewConverter("", true, nil).ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return markdown, nil
}

func (e *Executor) runLinks(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p LinksParams
	if err := Decode(Links, raw, &p); err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, p.URL, NavOptions(Links, waitTime(p.WaitTime), nil, false)); err != nil {
		return nil, err
	}

	var raws []rawLink
	if err := page.Evaluate(ctx, extractLinksScript, &raws); err != nil {
		return nil, fmt.Errorf("collect links: %w", err)
	}

	includeExternal := true
	if p.IncludeExternal != nil {
		includeExternal = *p.IncludeExternal
	}
	links, internal, external := classifyLinks(p.URL, raws, includeExternal, p.VisibleLinksOnly)

	return marshalData(map[string]any{
		"links": links,
		"metadata": map[string]any{
			"url":           p.URL,
			"totalLinks":    internal + external,
			"internalLinks": internal,
			"externalLinks": external,
		},
	})
}

func (e *Executor) runPDF(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p PDFParams
	if err := Decode(PDF, raw, &p); err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, p.URL, NavOptions(PDF, waitTime(p.WaitTime), nil, false)); err != nil {
		return nil, err
	}

	format := p.Format
	if format == "" {
		format = "A4"
	}
	body, err := page.PDF(ctx, format)
	if err != nil {
		return nil, fmt.Errorf("print: %w", err)
	}
	return marshalData(map[string]any{
		"body": body,
		"metadata": map[string]any{
			"url":  p.URL,
			"size": len(body),
		},
	})
}

// scrapedElement is one selector's worth of matches.
type scrapedElement struct {
	Selector string           `json:"selector"`
	Results  []map[string]any `json:"results"`
}

func (e *Executor) runScrape(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p ScrapeParams
	if err := Decode(Scrape, raw, &p); err != nil {
		return nil, err
	}

	opts := NavOptions(Scrape, waitTime(p.WaitTime), p.Headers, p.Mobile)
	if p.Timeout > 0 {
		if t := time.Duration(p.Timeout) * time.Millisecond; t < opts.Timeout {
			opts.Timeout = t
		}
	}
	if err := page.Navigate(ctx, p.URL, opts); err != nil {
		return nil, err
	}

	elements := make([]scrapedElement, 0, len(p.Elements))
	found := 0
	for _, el := range p.Elements {
		results, err := scrapeSelector(ctx, page, el)
		if err != nil {
			return nil, fmt.Errorf("scrape %q: %w", el.Selector, err)
		}
		found += len(results)
		elements = append(elements, scrapedElement{Selector: el.Selector, Results: results})
	}

	return marshalData(map[string]any{
		"elements": elements,
		"metadata": map[string]any{
			"url":           p.URL,
			"elementsFound": found,
		},
	})
}

// scrapeSelector extracts text, html and requested attributes for every
// match of one selector.
func scrapeSelector(ctx context.Context, page browser.Page, el ScrapeElement) ([]map[string]any, error) {
	selJSON, err := json.Marshal(el.Selector)
	if err != nil {
		return nil, err
	}
	attrs := el.Attributes
	if attrs == nil {
		attrs = []string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}

	script := fmt.Sprintf(`
(() => {
	const sel = %s;
	const attrs = %s;
	return Array.from(document.querySelectorAll(sel)).slice(0, 100).map(el => {
		const item = {
			text: (el.textContent || '').trim(),
			html: el.outerHTML,
		};
		if (attrs.length > 0) {
			item.attributes = {};
			for (const a of attrs) {
				const v = el.getAttribute(a);
				if (v !== null) item.attributes[a] = v;
			}
		}
		return item;
	});
})()
`, selJSON, attrsJSON)

	var results []map[string]any
	if err := page.Evaluate(ctx, script, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) runSearch(ctx context.Context, raw map[string]any) (json.RawMessage, error) {
	var p SearchParams
	if err := Decode(Search, raw, &p); err != nil {
		return nil, err
	}
	if e.search == nil {
		return nil, fmt.Errorf("search service not configured")
	}

	started := time.Now()
	results, requestID, err := e.search.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"query":        p.Query,
		"totalResults": len(results),
		"searchTime":   time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		meta["requestId"] = requestID
	}
	return marshalData(map[string]any{
		"results":  results,
		"metadata": meta,
	})
}

func (e *Executor) runJSONExtraction(ctx context.Context, page browser.Page, raw map[string]any) (json.RawMessage, error) {
	var p JSONExtractionParams
	if err := Decode(JSONExtraction, raw, &p); err != nil {
		return nil, err
	}
	if e.llm == nil {
		return nil, fmt.Errorf("extraction service not configured")
	}

	markdown, err := e.pageMarkdown(ctx, page, p.URL, waitTime(p.WaitTime))
	if err != nil {
		return nil, err
	}

	res, err := e.llm.Extract(ctx, markdown, p)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"url":          p.URL,
		"model":        res.Model,
		"fallbackUsed": res.FallbackUsed,
	}
	if p.ResponseType == "text" {
		return marshalData(map[string]any{"text": res.Text, "metadata": meta})
	}
	return marshalData(map[string]any{"extracted": res.Extracted, "metadata": meta})
}

func marshalData(data map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode response data: %w", err)
	}
	return b, nil
}
