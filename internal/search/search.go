// Package search delegates the search operation to the external search
// service over HTTP.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/weblinq/backend/internal/ops"
)

// ErrUnavailable means the service is unreachable or returned a non-OK
// status.
var ErrUnavailable = errors.New("search: service unavailable")

const (
	maxLimit       = 20
	defaultLimit   = 10
	requestTimeout = 10 * time.Second
)

// Client talks to the search service. Implements ops.Searcher.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, secret string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.With().Str("component", "search").Logger(),
	}
}

// upstream shapes; the service returns text and we expose snippet.
type upstreamResponse struct {
	Results   []upstreamResult `json:"results"`
	RequestID string           `json:"requestId"`
}

type upstreamResult struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	Favicon       string `json:"favicon"`
	PublishedDate string `json:"publishedDate"`
}

// Search queries the service and maps upstream hits to the public result
// shape. The hit id on the wire is the result URL; upstream ids are
// internal to the service.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]ops.SearchResult, string, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var up upstreamResponse
	if err := json.Unmarshal(body, &up); err != nil {
		return nil, "", fmt.Errorf("%w: bad response: %v", ErrUnavailable, err)
	}

	results := make([]ops.SearchResult, 0, len(up.Results))
	for _, r := range up.Results {
		if len(results) >= limit {
			break
		}
		results = append(results, ops.SearchResult{
			ID:            r.URL,
			Title:         r.Title,
			URL:           r.URL,
			Snippet:       r.Text,
			Favicon:       r.Favicon,
			PublishedDate: r.PublishedDate,
		})
	}
	return results, up.RequestID, nil
}
