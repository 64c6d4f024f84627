package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := New(rdb, db, Credits{InitialFree: 1000, InitialPro: 5000, MonthlyRefill: 5000}, zerolog.Nop())
	return l, mr, mock
}

// waitForExpectations polls until the async write workers have satisfied the
// sqlmock expectations or the deadline passes.
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

func TestDeductSucceedsAndQueuesDurableWrite(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	require.NoError(t, mr.Set("credits:balance:usr_1", "100"))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	remaining, err := l.Deduct(context.Background(), "usr_1", 5, OpReason("links"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(95), remaining)

	got, err := mr.Get("credits:balance:usr_1")
	require.NoError(t, err)
	assert.Equal(t, "95", got)

	waitForExpectations(t, mock)
}

func TestDeductInsufficientLeavesBalanceUntouched(t *testing.T) {
	l, mr, _ := newTestLedger(t)
	defer l.Close()

	require.NoError(t, mr.Set("credits:balance:usr_1", "3"))

	remaining, err := l.Deduct(context.Background(), "usr_1", 5, OpReason("pdf"), nil)
	assert.ErrorIs(t, err, ErrInsufficient)
	assert.Equal(t, int64(3), remaining)

	got, err := mr.Get("credits:balance:usr_1")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestDeductMissingBalanceKey(t *testing.T) {
	l, _, _ := newTestLedger(t)
	defer l.Close()

	_, err := l.Deduct(context.Background(), "usr_unknown", 1, OpReason("content"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeductRejectsNonPositiveAmount(t *testing.T) {
	l, _, _ := newTestLedger(t)
	defer l.Close()

	_, err := l.Deduct(context.Background(), "usr_1", 0, OpReason("links"), nil)
	assert.Error(t, err)

	_, err = l.Deduct(context.Background(), "usr_1", -5, OpReason("links"), nil)
	assert.Error(t, err)
}

func TestAssignInitialGrantsOnce(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	mock.ExpectExec("INSERT INTO credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.AssignInitial(context.Background(), "usr_new"))

	got, err := mr.Get("credits:balance:usr_new")
	require.NoError(t, err)
	assert.Equal(t, "1000", got)

	// Second signup hits the conflict and grants nothing.
	mock.ExpectExec("INSERT INTO credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = l.AssignInitial(context.Background(), "usr_new")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalanceReseedsColdCache(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(500, "free", nil))

	bal, err := l.GetBalance(context.Background(), "usr_cold")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Balance)
	assert.Equal(t, "free", bal.Plan)
	assert.Nil(t, bal.LastRefill)

	// The durable value is now cached.
	got, err := mr.Get("credits:balance:usr_cold")
	require.NoError(t, err)
	assert.Equal(t, "500", got)
}

func TestGetBalancePrefersCachedValue(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	require.NoError(t, mr.Set("credits:balance:usr_1", "42"))

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(9000, "pro", nil))

	bal, err := l.GetBalance(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Balance)
	assert.Equal(t, "pro", bal.Plan)
}

func TestGetBalanceUnknownUser(t *testing.T) {
	l, _, mock := newTestLedger(t)
	defer l.Close()

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}))

	_, err := l.GetBalance(context.Background(), "usr_ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyMonthlyRefillSkipsFreePlan(t *testing.T) {
	l, _, mock := newTestLedger(t)
	defer l.Close()

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(100, "free", nil))

	err := l.ApplyMonthlyRefill(context.Background(), "usr_free", "sub_1", "order_1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMonthlyRefillIdempotentOnOrderID(t *testing.T) {
	l, _, mock := newTestLedger(t)
	defer l.Close()

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(100, "pro", time.Now()))
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := l.ApplyMonthlyRefill(context.Background(), "usr_pro", "sub_1", "order_dup")
	assert.ErrorIs(t, err, ErrAlreadyApplied)
}

func TestApplyMonthlyRefillGrantsAndUpdatesCache(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	require.NoError(t, mr.Set("credits:balance:usr_pro", "100"))

	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(100, "pro", nil))
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.ApplyMonthlyRefill(context.Background(), "usr_pro", "sub_1", "order_new"))

	got, err := mr.Get("credits:balance:usr_pro")
	require.NoError(t, err)
	assert.Equal(t, "5100", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWarmBalancesSeedsEveryRow(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	mock.ExpectQuery("SELECT user_id, balance").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance"}).
			AddRow("usr_a", 10).
			AddRow("usr_b", 20))

	require.NoError(t, l.WarmBalances(context.Background()))

	a, err := mr.Get("credits:balance:usr_a")
	require.NoError(t, err)
	assert.Equal(t, "10", a)
	b, err := mr.Get("credits:balance:usr_b")
	require.NoError(t, err)
	assert.Equal(t, "20", b)
}

func TestClassifySubscriptionChanges(t *testing.T) {
	// New active pro subscription for a free user: activation.
	c := classify(nil, "free", "active", "pro")
	assert.True(t, c.IsActivation)
	assert.True(t, c.IsNewSubscription)
	assert.False(t, c.IsDowngrade)

	// Cancellation of a pro user: downgrade with status change.
	stored := &Subscription{ID: "sub_1", Status: "active", Plan: "pro"}
	c = classify(stored, "pro", "cancelled", "pro")
	assert.True(t, c.IsDowngrade)
	assert.True(t, c.IsStatusChange)
	assert.False(t, c.IsActivation)

	// Webhook redelivery with no change: nothing to act on.
	c = classify(stored, "pro", "active", "pro")
	assert.False(t, c.IsStatusChange)
	assert.False(t, c.IsActivation)
	assert.False(t, c.IsDowngrade)
}

func TestOnSubscriptionChangeRedeliveryGrantsOnce(t *testing.T) {
	l, mr, mock := newTestLedger(t)
	defer l.Close()

	require.NoError(t, mr.Set("credits:balance:usr_1", "1000"))

	subCols := []string{"id", "user_id", "status", "plan", "started_at", "cancelled_at", "current_period_end", "synced_at"}

	// First delivery: free user, no stored subscription. Activation grants
	// the pro credits exactly once.
	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(1000, "free", nil))
	mock.ExpectQuery("SELECT id, user_id, status").
		WillReturnRows(sqlmock.NewRows(subCols))
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	change, err := l.OnSubscriptionChange(context.Background(), "usr_1", "sub_1", "active", "pro")
	require.NoError(t, err)
	assert.True(t, change.IsActivation)

	got, err := mr.Get("credits:balance:usr_1")
	require.NoError(t, err)
	assert.Equal(t, "6000", got)

	// Redelivery of the same event: the stored subscription and the pro
	// plan match, so the upsert is the only write. No transaction row, no
	// balance change.
	mock.ExpectQuery("SELECT balance, plan, last_refill").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "plan", "last_refill"}).
			AddRow(6000, "pro", nil))
	mock.ExpectQuery("SELECT id, user_id, status").
		WillReturnRows(sqlmock.NewRows(subCols).
			AddRow("sub_1", "usr_1", "active", "pro", time.Now(), nil, nil, time.Now()))
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	change, err = l.OnSubscriptionChange(context.Background(), "usr_1", "sub_1", "active", "pro")
	require.NoError(t, err)
	assert.False(t, change.IsActivation)
	assert.False(t, change.IsStatusChange)

	got, err = mr.Get("credits:balance:usr_1")
	require.NoError(t, err)
	assert.Equal(t, "6000", got)
	require.NoError(t, mock.ExpectationsWereMet())
}
