// Package browser owns the headless-browser boundary: the backend that
// launches and reconnects sessions, the page surface operations run
// against, and the Worker that keeps one session alive with blue-green
// rotation.
//
// The rendering engine itself is external. Everything here talks to it over
// CDP; nothing above this package knows what a DevTools target is.
package browser

import (
	"context"
	"time"
)

// NavStrategy selects how long navigation blocks before the wait policy
// takes over.
type NavStrategy string

const (
	// NavCommit returns as soon as the navigation is committed.
	NavCommit NavStrategy = "commit"
	// NavDOMContentLoaded returns once the DOM is parsed.
	NavDOMContentLoaded NavStrategy = "domcontentloaded"
)

// NavOptions configures a single page navigation.
type NavOptions struct {
	Strategy       NavStrategy
	Timeout        time.Duration
	BlockResources bool // drop image/media/font/stylesheet requests
	WaitLoad       bool
	WaitNetworkIdle bool
	ExtraWait      time.Duration // caller-requested settle time after the strategy completes
	Headers        map[string]string
	ViewportWidth  int
	ViewportHeight int
	Mobile         bool
}

// ScreenshotOptions configures a capture.
type ScreenshotOptions struct {
	FullPage bool
	Format   string // png, jpeg, webp
	Quality  int    // jpeg/webp only
	Selector string // capture one element instead of the viewport
}

// Page is one open tab in a session. Implementations are not safe for
// concurrent use; one operation drives one page.
type Page interface {
	// Navigate loads url under opts, applying hardening (user agent,
	// webdriver masking, viewport) before the first request.
	Navigate(ctx context.Context, url string, opts NavOptions) error
	// HTML returns the serialized outer HTML of the document.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs script in the page and unmarshals the result into out.
	Evaluate(ctx context.Context, script string, out any) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	// PDF prints the page; format is A4, Letter or Legal.
	PDF(ctx context.Context, format string) ([]byte, error)
	Close(ctx context.Context) error
}

// Session is one live browser instance addressable by a stable id.
type Session interface {
	ID() string
	// Version probes the session; a failure means the session is stale.
	Version(ctx context.Context) (string, error)
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Backend launches new sessions and reconnects to existing ones.
type Backend interface {
	Launch(ctx context.Context) (Session, error)
	Connect(ctx context.Context, sessionID string) (Session, error)
}

// StatusReporter is the worker's view of the pool manager. Workers refer to
// the manager by interface, and the manager refers to workers by id, so
// there is no cyclic ownership.
type StatusReporter interface {
	// ReportStatus updates the pool record for workerID.
	ReportStatus(ctx context.Context, workerID, status, errorMessage string) error
	// WorkerStatus returns the pool's current view of workerID.
	WorkerStatus(ctx context.Context, workerID string) (string, error)
}
