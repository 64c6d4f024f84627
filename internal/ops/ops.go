// Package ops defines the metered operations: their credit costs, their
// page-execution profiles, and the executors that run them against a
// pool-assigned browser session.
//
// Per-operation behavior is data, not a class hierarchy: one Spec table
// drives a single execution path. The cost table here is the single source
// referenced by both the pipeline and pricing docs.
package ops

import (
	"time"

	"github.com/weblinq/backend/internal/browser"
)

// Kind identifies one public operation.
type Kind string

const (
	Screenshot     Kind = "screenshot"
	Markdown       Kind = "markdown"
	Content        Kind = "content"
	Scrape         Kind = "scrape"
	Links          Kind = "links"
	Search         Kind = "search"
	PDF            Kind = "pdf"
	JSONExtraction Kind = "json_extraction"
)

// All lists every operation, in the order monitoring cycles them.
var All = []Kind{Screenshot, Markdown, Content, Scrape, Links, Search, PDF, JSONExtraction}

// Valid reports whether k names a known operation.
func Valid(k Kind) bool {
	for _, known := range All {
		if k == known {
			return true
		}
	}
	return false
}

// CreditCosts is the fixed per-operation price table.
var CreditCosts = map[Kind]int64{
	Screenshot:     1,
	Markdown:       1,
	Content:        1,
	Scrape:         1,
	Links:          1,
	Search:         1,
	PDF:            1,
	JSONExtraction: 2,
}

// Cost returns the credit cost of k (0 for unknown kinds).
func Cost(k Kind) int64 { return CreditCosts[k] }

// PageSpec is one row of the execution profile table: how the page is
// navigated and how long the operation may take.
type PageSpec struct {
	Strategy        browser.NavStrategy
	Timeout         time.Duration
	BlockResources  bool
	WaitLoad        bool
	WaitNetworkIdle bool
}

// Specs drives page setup per operation. Screenshot and pdf keep resources
// unblocked because the render needs them; text-oriented operations drop
// image/media/font/stylesheet for speed.
var Specs = map[Kind]PageSpec{
	Screenshot: {Strategy: browser.NavCommit, Timeout: 10 * time.Second},
	Content:    {Strategy: browser.NavDOMContentLoaded, Timeout: 15 * time.Second, BlockResources: true, WaitLoad: true},
	Markdown:   {Strategy: browser.NavDOMContentLoaded, Timeout: 15 * time.Second, BlockResources: true},
	Links:      {Strategy: browser.NavDOMContentLoaded, Timeout: 15 * time.Second, BlockResources: true, WaitLoad: true},
	PDF:        {Strategy: browser.NavCommit, Timeout: 30 * time.Second, WaitNetworkIdle: true},
	Scrape:     {Strategy: browser.NavDOMContentLoaded, Timeout: 20 * time.Second, BlockResources: true, WaitLoad: true},
	Search:     {Strategy: browser.NavDOMContentLoaded, Timeout: 20 * time.Second, BlockResources: true, WaitNetworkIdle: true},
}

// NavOptions builds the browser options for one operation run.
func NavOptions(k Kind, extraWait time.Duration, headers map[string]string, mobile bool) browser.NavOptions {
	spec := Specs[k]
	return browser.NavOptions{
		Strategy:        spec.Strategy,
		Timeout:         spec.Timeout,
		BlockResources:  spec.BlockResources,
		WaitLoad:        spec.WaitLoad,
		WaitNetworkIdle: spec.WaitNetworkIdle,
		ExtraWait:       extraWait,
		Headers:         headers,
		Mobile:          mobile,
	}
}
