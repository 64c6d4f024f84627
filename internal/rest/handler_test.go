package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weblinq/backend/internal/ledger"
	"github.com/weblinq/backend/internal/pipeline"
)

func newTestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newLedgerHandler builds a handler backed by a real ledger over miniredis
// and sqlmock. Pipeline, pool and monitor stay nil; the tests here never
// reach them.
func newLedgerHandler(t *testing.T, adminKey string) (*Handler, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.New(rdb, db, ledger.Credits{InitialFree: 1000, InitialPro: 5000, MonthlyRefill: 5000}, zerolog.Nop())
	t.Cleanup(func() { led.Close() })

	return NewHandler(nil, led, nil, nil, nil, adminKey, zerolog.Nop()), mock
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestOperationEndpointRequiresIdentity(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, "", zerolog.Nop())
	srv := newTestServer(t, h)

	resp, err := http.Post(srv.URL+"/v1/screenshot", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var env pipeline.Response
	decodeBody(t, resp, &env)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, pipeline.CodeAuthRequired, env.Error.Code)
}

func TestOperationEndpointRejectsGet(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, "", zerolog.Nop())
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/v1/markdown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOperationEndpointRejectsMalformedJSON(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, "", zerolog.Nop())
	srv := newTestServer(t, h)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/links", strings.NewReader(`{not json`))
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "usr_1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var env pipeline.Response
	decodeBody(t, resp, &env)
	require.NotNil(t, env.Error)
	assert.Equal(t, pipeline.CodeValidation, env.Error.Code)
}

func TestEnvelopeStatusMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{pipeline.CodeInsufficientCredits, http.StatusPaymentRequired},
		{pipeline.CodeValidation, http.StatusUnprocessableEntity},
		{pipeline.CodeAuthRequired, http.StatusUnauthorized},
		{pipeline.CodeNotFound, http.StatusNotFound},
		{pipeline.CodeRateLimited, http.StatusTooManyRequests},
		{pipeline.CodeBrowserBusy, http.StatusServiceUnavailable},
		{pipeline.CodeTimeout, http.StatusGatewayTimeout},
		{pipeline.CodeInternal, http.StatusInternalServerError},
		{pipeline.CodeExtractionFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		resp := &pipeline.Response{Success: false, Error: &pipeline.ErrorBody{Code: tc.code}}
		assert.Equal(t, tc.want, envelopeStatus(resp), tc.code)
	}

	assert.Equal(t, http.StatusOK, envelopeStatus(&pipeline.Response{Success: true}))
}

func TestAdminEndpointsDisabledWithoutKey(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, "", zerolog.Nop())
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/v1/pool/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminEndpointsRejectBadToken(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, "sekrit", zerolog.Nop())
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/v1/pool/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/monitoring/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignupGrantsOnce(t *testing.T) {
	h, mock := newLedgerHandler(t, "")
	srv := newTestServer(t, h)

	mock.ExpectExec("INSERT INTO credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/users/signup", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "usr_new")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, true, body["assigned"])

	// The duplicate signup hits the conflict and reports assigned=false.
	mock.ExpectExec("INSERT INTO credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 0))

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Equal(t, false, body["assigned"])
}

func TestBalanceRequiresIdentity(t *testing.T) {
	h, _ := newLedgerHandler(t, "")
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/v1/credits/balance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBalanceUnknownAccount(t *testing.T) {
	h, mock := newLedgerHandler(t, "")
	srv := newTestServer(t, h)

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/credits/balance", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "usr_ghost")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefillValidatesEvent(t *testing.T) {
	h, _ := newLedgerHandler(t, "")
	srv := newTestServer(t, h)

	resp, err := http.Post(srv.URL+"/v1/billing/refill", "application/json",
		strings.NewReader(`{"userId":"usr_1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, "", zerolog.Nop())
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
