package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultUserAgent is a modern desktop UA presented on every page.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// stealthScript masks the obvious automation tells before any page script
// runs: webdriver flag, empty language list, empty plugin list.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3] });
`

// blockedResourceTypes are dropped when NavOptions.BlockResources is set.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeMedia:      true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeStylesheet: true,
}

var errUnknownSession = errors.New("browser: unknown session id")

// ChromeBackend implements Backend over CDP.
//
// With a remote websocket URL it attaches to a hosted browser provider,
// scoping each session by id. Without one it launches local headless Chrome
// through the exec allocator and tracks sessions in-process.
type ChromeBackend struct {
	wsURL string
	log   zerolog.Logger

	mu    sync.Mutex
	local map[string]*chromeSession
}

func NewChromeBackend(wsURL string, logger zerolog.Logger) *ChromeBackend {
	return &ChromeBackend{
		wsURL: wsURL,
		log:   logger.With().Str("component", "chrome_backend").Logger(),
		local: make(map[string]*chromeSession),
	}
}

func (b *ChromeBackend) Launch(ctx context.Context) (Session, error) {
	id := uuid.New().String()
	s, err := b.open(ctx, id)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.local[id] = s
	b.mu.Unlock()

	b.log.Debug().Str("session_id", id).Msg("session launched")
	return s, nil
}

func (b *ChromeBackend) Connect(ctx context.Context, sessionID string) (Session, error) {
	b.mu.Lock()
	s, ok := b.local[sessionID]
	b.mu.Unlock()
	if ok {
		return s, nil
	}

	if b.wsURL == "" {
		return nil, errUnknownSession
	}

	// Remote providers route by session id; reconnecting builds a fresh
	// allocator against the same session.
	s, err := b.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.local[sessionID] = s
	b.mu.Unlock()
	return s, nil
}

func (b *ChromeBackend) open(ctx context.Context, id string) (*chromeSession, error) {
	var allocCtx context.Context
	var allocCancel context.CancelFunc

	if b.wsURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(),
			b.wsURL+"?sessionId="+id)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so launch failures surface here, not on
	// the first operation.
	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser start failed: %w", err)
	}

	s := &chromeSession{
		id:            id,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		release: func() {
			b.mu.Lock()
			delete(b.local, id)
			b.mu.Unlock()
		},
	}
	return s, nil
}

type chromeSession struct {
	id            string
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	release       func()
}

func (s *chromeSession) ID() string { return s.id }

func (s *chromeSession) Version(ctx context.Context) (string, error) {
	tctx, cancel := context.WithTimeout(s.browserCtx, 5*time.Second)
	defer cancel()

	var product string
	err := chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, p, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		product = p
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("version probe failed: %w", err)
	}
	return product, nil
}

func (s *chromeSession) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	return &chromePage{ctx: tabCtx, cancel: tabCancel}, nil
}

func (s *chromeSession) Close(ctx context.Context) error {
	s.browserCancel()
	s.allocCancel()
	s.release()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromePage) Navigate(ctx context.Context, url string, opts NavOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	tctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	if opts.BlockResources {
		p.interceptRequests(tctx)
	}

	width, height := int64(opts.ViewportWidth), int64(opts.ViewportHeight)
	if width == 0 {
		width = 1920
	}
	if height == 0 {
		height = 1080
	}

	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(defaultUserAgent),
		emulation.SetDeviceMetricsOverride(width, height, 1, opts.Mobile),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	}

	if len(opts.Headers) > 0 {
		headers := make(network.Headers, len(opts.Headers))
		for k, v := range opts.Headers {
			headers[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}

	// Raw navigate: returns on commit, wait policies below decide how much
	// longer to block.
	tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigation failed: %s", errText)
		}
		return nil
	}))

	if err := chromedp.Run(tctx, tasks); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	if opts.Strategy == NavDOMContentLoaded {
		if err := p.waitReadyState(tctx, "interactive"); err != nil {
			return err
		}
	}
	if opts.WaitLoad {
		if err := p.waitReadyState(tctx, "complete"); err != nil {
			return err
		}
	}
	if opts.WaitNetworkIdle {
		if err := p.waitNetworkIdle(tctx); err != nil {
			return err
		}
	}

	if opts.ExtraWait > 0 {
		select {
		case <-time.After(opts.ExtraWait):
		case <-tctx.Done():
			return tctx.Err()
		}
	}

	return nil
}

// interceptRequests fails every blocked-type request at the fetch layer.
func (p *chromePage) interceptRequests(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			go func() {
				ectx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)
				if blockedResourceTypes[e.ResourceType] {
					_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
				} else {
					_ = fetch.ContinueRequest(e.RequestID).Do(ectx)
				}
			}()
		}
	})
	_ = chromedp.Run(ctx, fetch.Enable())
}

// waitReadyState polls document.readyState until it reaches at least want.
func (p *chromePage) waitReadyState(ctx context.Context, want string) error {
	rank := map[string]int{"loading": 0, "interactive": 1, "complete": 2}
	for {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate("document.readyState", &state)); err != nil {
			return err
		}
		if rank[state] >= rank[want] {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitNetworkIdle waits until the page's resource count is stable for 500ms.
func (p *chromePage) waitNetworkIdle(ctx context.Context) error {
	const script = "performance.getEntriesByType('resource').length"
	var last int64 = -1
	for {
		var count int64
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &count)); err != nil {
			return err
		}
		if count == last {
			return nil
		}
		last = count
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	tctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	var html string
	if err := chromedp.Run(tctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("html serialization failed: %w", err)
	}
	return html, nil
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out any) error {
	tctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	if err := chromedp.Run(tctx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate failed: %w", err)
	}
	return nil
}

func (p *chromePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	tctx, cancel := context.WithTimeout(p.ctx, 20*time.Second)
	defer cancel()

	if opts.Selector != "" {
		var buf []byte
		if err := chromedp.Run(tctx, chromedp.Screenshot(opts.Selector, &buf, chromedp.NodeVisible)); err != nil {
			return nil, fmt.Errorf("element screenshot failed: %w", err)
		}
		return buf, nil
	}

	format := page.CaptureScreenshotFormatPng
	switch opts.Format {
	case "jpeg":
		format = page.CaptureScreenshotFormatJpeg
	case "webp":
		format = page.CaptureScreenshotFormatWebp
	}

	var buf []byte
	err := chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
		capture := page.CaptureScreenshot().
			WithFormat(format).
			WithCaptureBeyondViewport(opts.FullPage)
		if format != page.CaptureScreenshotFormatPng && opts.Quality > 0 {
			capture = capture.WithQuality(int64(opts.Quality))
		}
		var err error
		buf, err = capture.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// paperSizes maps PDF formats to width/height in inches.
var paperSizes = map[string][2]float64{
	"A4":     {8.27, 11.69},
	"Letter": {8.5, 11},
	"Legal":  {8.5, 14},
}

func (p *chromePage) PDF(ctx context.Context, format string) ([]byte, error) {
	tctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	size, ok := paperSizes[format]
	if !ok {
		size = paperSizes["A4"]
	}

	var buf []byte
	err := chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, _, err = page.PrintToPDF().
			WithPaperWidth(size[0]).
			WithPaperHeight(size[1]).
			WithPrintBackground(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("pdf render failed: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Close(ctx context.Context) error {
	p.cancel()
	return nil
}
