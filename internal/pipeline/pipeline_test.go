package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weblinq/backend/internal/browser"
	"github.com/weblinq/backend/internal/cache"
	"github.com/weblinq/backend/internal/ledger"
	"github.com/weblinq/backend/internal/ops"
	"github.com/weblinq/backend/internal/pool"
)

type fakeSearcher struct {
	results []ops.SearchResult
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]ops.SearchResult, string, error) {
	f.calls++
	return f.results, "req_test", f.err
}

type fakePage struct {
	html      string
	navErr    error
	navigated []string
	closed    bool
}

func (p *fakePage) Navigate(ctx context.Context, url string, opts browser.NavOptions) error {
	p.navigated = append(p.navigated, url)
	return p.navErr
}

func (p *fakePage) HTML(ctx context.Context) (string, error) { return p.html, nil }

func (p *fakePage) Evaluate(ctx context.Context, script string, out any) error {
	return errors.New("fake page does not evaluate scripts")
}

func (p *fakePage) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	return []byte("png-bytes"), nil
}

func (p *fakePage) PDF(ctx context.Context, format string) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}

func (p *fakePage) Close(ctx context.Context) error {
	p.closed = true
	return nil
}

type fakeSession struct {
	id   string
	page *fakePage
}

func (s *fakeSession) ID() string                                  { return s.id }
func (s *fakeSession) Version(ctx context.Context) (string, error) { return "HeadlessChrome/124.0", nil }
func (s *fakeSession) NewPage(ctx context.Context) (browser.Page, error) {
	return s.page, nil
}
func (s *fakeSession) Close(ctx context.Context) error { return nil }

type fakeBackend struct {
	page     *fakePage
	launches int
}

func (b *fakeBackend) Launch(ctx context.Context) (browser.Session, error) {
	b.launches++
	return &fakeSession{id: fmt.Sprintf("sess-%d", b.launches), page: b.page}, nil
}

func (b *fakeBackend) Connect(ctx context.Context, sessionID string) (browser.Session, error) {
	return &fakeSession{id: sessionID, page: b.page}, nil
}

type env struct {
	svc     *Service
	mr      *miniredis.Miniredis
	mock    sqlmock.Sqlmock
	cache   *cache.Cache
	search  *fakeSearcher
	backend *fakeBackend
}

func newTestEnv(t *testing.T, opts Options) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// Background deducts interleave with foreground balance reads.
	mock.MatchExpectationsInOrder(false)

	led := ledger.New(rdb, db, ledger.Credits{InitialFree: 1000, InitialPro: 5000, MonthlyRefill: 5000}, zerolog.Nop())
	t.Cleanup(func() { led.Close() })

	c := cache.New(rdb, zerolog.Nop())
	backend := &fakeBackend{page: &fakePage{html: "<html><body>hello</body></html>"}}
	pm := pool.NewManager(rdb, backend, pool.Config{MaxWorkers: 1, QueueMaxWait: 100 * time.Millisecond}, zerolog.Nop())

	search := &fakeSearcher{results: []ops.SearchResult{
		{ID: "https://example.com", Title: "Example", URL: "https://example.com", Snippet: "hello"},
	}}
	exec := ops.NewExecutor(search, nil, zerolog.Nop())

	return &env{
		svc:     New(led, c, pm, exec, nil, opts, zerolog.Nop()),
		mr:      mr,
		mock:    mock,
		cache:   c,
		search:  search,
		backend: backend,
	}
}

// seedBalance makes usr visible to both stores with the given balance.
func (e *env) seedBalance(t *testing.T, userID string, balance int64) {
	t.Helper()
	require.NoError(t, e.mr.Set("credits:balance:"+userID, fmt.Sprintf("%d", balance)))
	e.mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(balance, "free", nil))
}

// expectDeduct registers the durable write the background deduct performs.
func (e *env) expectDeduct() {
	e.mock.ExpectBegin()
	e.mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec("UPDATE credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectCommit()
}

// waitForExpectations polls until the background writers satisfy the sqlmock
// expectations or the deadline passes.
func waitForExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRejectsUnknownOperation(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp := e.svc.Execute(context.Background(), ops.Kind("teleport"), nil, "usr_1")
	require.False(t, resp.Success)
	assert.Equal(t, CodeValidation, resp.Error.Code)
	// Rejected before any store was consulted.
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestExecuteRejectsInvalidParams(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp := e.svc.Execute(context.Background(), ops.Search, map[string]any{}, "usr_1")
	require.False(t, resp.Success)
	assert.Equal(t, CodeValidation, resp.Error.Code)
}

func TestExecuteInsufficientCredits(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.seedBalance(t, "usr_1", 0)

	resp := e.svc.Execute(context.Background(), ops.Search, map[string]any{"query": "hello"}, "usr_1")
	require.False(t, resp.Success)
	assert.Equal(t, CodeInsufficientCredits, resp.Error.Code)
	assert.Equal(t, int64(0), resp.CreditsRemaining)
	assert.Equal(t, 0, e.search.calls)
}

func TestExecuteUnprovisionedAccount(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnError(sql.ErrNoRows)

	resp := e.svc.Execute(context.Background(), ops.Search, map[string]any{"query": "hello"}, "usr_ghost")
	require.False(t, resp.Success)
	assert.Equal(t, CodeInternal, resp.Error.Code)
	assert.Equal(t, "account not provisioned", resp.Error.Message)
}

func TestExecuteSearchSuccess(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.seedBalance(t, "usr_1", 100)
	e.expectDeduct()

	resp := e.svc.Execute(context.Background(), ops.Search, map[string]any{"query": "hello"}, "usr_1")
	require.True(t, resp.Success, "unexpected error: %+v", resp.Error)
	assert.Equal(t, int64(1), resp.CreditsCost)
	assert.Equal(t, int64(99), resp.CreditsRemaining)
	assert.False(t, resp.FromCache)

	var data struct {
		Results  []ops.SearchResult `json:"results"`
		Metadata map[string]any     `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Results, 1)
	assert.Equal(t, "Example", data.Results[0].Title)
	assert.Equal(t, "req_test", data.Metadata["requestId"])

	waitForExpectations(t, e.mock)
	require.Eventually(t, func() bool {
		got, err := e.mr.Get("credits:balance:usr_1")
		return err == nil && got == "99"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteServesCachedResultWithoutCharge(t *testing.T) {
	e := newTestEnv(t, Options{})

	params := map[string]any{"query": "hello"}
	key := cache.Key(string(ops.Search), "usr_1", params)
	e.cache.Put(context.Background(), key, string(ops.Search), "usr_1",
		json.RawMessage(`{"results":[],"metadata":{"query":"hello"}}`))

	e.seedBalance(t, "usr_1", 100)

	resp := e.svc.Execute(context.Background(), ops.Search, params, "usr_1")
	require.True(t, resp.Success)
	assert.True(t, resp.FromCache)
	assert.Equal(t, int64(0), resp.CreditsCost)
	assert.Equal(t, int64(100), resp.CreditsRemaining)
	assert.Equal(t, 0, e.search.calls)
}

func TestExecuteChargesCacheHitsWhenConfigured(t *testing.T) {
	e := newTestEnv(t, Options{ChargeCacheHits: true})

	params := map[string]any{"query": "hello"}
	key := cache.Key(string(ops.Search), "usr_1", params)
	e.cache.Put(context.Background(), key, string(ops.Search), "usr_1",
		json.RawMessage(`{"results":[],"metadata":{"query":"hello"}}`))

	e.seedBalance(t, "usr_1", 100)
	e.expectDeduct()

	resp := e.svc.Execute(context.Background(), ops.Search, params, "usr_1")
	require.True(t, resp.Success)
	assert.True(t, resp.FromCache)
	assert.Equal(t, int64(1), resp.CreditsCost)
	assert.Equal(t, int64(99), resp.CreditsRemaining)

	waitForExpectations(t, e.mock)
}

func TestExecuteCacheBypassSkipsLookupAndWrite(t *testing.T) {
	e := newTestEnv(t, Options{CacheBypass: true})

	params := map[string]any{"query": "hello"}
	key := cache.Key(string(ops.Search), "usr_1", params)
	e.cache.Put(context.Background(), key, string(ops.Search), "usr_1",
		json.RawMessage(`{"results":[],"metadata":{"stale":true}}`))

	e.seedBalance(t, "usr_1", 100)
	e.expectDeduct()

	resp := e.svc.Execute(context.Background(), ops.Search, params, "usr_1")
	require.True(t, resp.Success)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 1, e.search.calls)

	waitForExpectations(t, e.mock)
}

func TestExecuteBrowserOperationEndToEnd(t *testing.T) {
	e := newTestEnv(t, Options{CacheBypass: true})
	e.seedBalance(t, "usr_1", 100)
	e.expectDeduct()

	resp := e.svc.Execute(context.Background(), ops.Content, map[string]any{"url": "https://example.com"}, "usr_1")
	require.True(t, resp.Success, "unexpected error: %+v", resp.Error)

	var data struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "<html><body>hello</body></html>", data.Content)
	assert.Equal(t, []string{"https://example.com"}, e.backend.page.navigated)
	assert.True(t, e.backend.page.closed)

	// The worker went back to idle after the run.
	stats, err := e.svc.pool.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[pool.StatusIdle])

	waitForExpectations(t, e.mock)
}

func TestExecuteNavigationTimeoutIsNotCharged(t *testing.T) {
	e := newTestEnv(t, Options{CacheBypass: true})
	e.backend.page.navErr = context.DeadlineExceeded
	e.seedBalance(t, "usr_1", 100)

	resp := e.svc.Execute(context.Background(), ops.Content, map[string]any{"url": "https://slow.example.com"}, "usr_1")
	require.False(t, resp.Success)
	assert.Equal(t, CodeTimeout, resp.Error.Code)
	assert.Equal(t, int64(100), resp.CreditsRemaining)

	// No durable deduct was queued for the failed run.
	got, err := e.mr.Get("credits:balance:usr_1")
	require.NoError(t, err)
	assert.Equal(t, "100", got)
}

func TestExecutePoolExhaustedMapsToBrowserBusy(t *testing.T) {
	e := newTestEnv(t, Options{CacheBypass: true})
	e.seedBalance(t, "usr_1", 100)

	// Fill the single slot with a busy worker so the acquire queues and
	// times out.
	rec := `{"id":"browser-1-busy","status":"busy","lastActivity":"2026-01-01T00:00:00Z","created":"2026-01-01T00:00:00Z"}`
	e.mr.HSet("pool:registry", "browser-1-busy", rec)

	resp := e.svc.Execute(context.Background(), ops.Content, map[string]any{"url": "https://example.com"}, "usr_1")
	require.False(t, resp.Success)
	assert.Equal(t, CodeBrowserBusy, resp.Error.Code)
}
