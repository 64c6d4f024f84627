// Package ledger provides credit balance management using Redis and PostgreSQL.
//
// Every scrape operation is metered through this package. The ledger keeps
// two synchronized stores:
//
// 1. Redis - hot cache for sub-millisecond balance checks and atomic deducts
// 2. PostgreSQL - durable append-only transaction log plus a balance row
//
// Redis is FAST but VOLATILE. PostgreSQL is DURABLE but SLOWER. The cached
// balance is authoritative for admission (can this user afford the
// operation?); the transaction log is authoritative for audit. At rest the
// cached balance equals the sum of transaction deltas; reconciliation sums
// the deltas to detect drift.
//
// Race condition prevention: deducts run through a Lua script that executes
// atomically in Redis. This prevents the check-then-act race where several
// concurrent requests all see enough credits and collectively overspend.
//
// Durable writes happen on a background queue so the hot path never waits on
// PostgreSQL. Inside each durable write the transaction row is inserted
// before the balance row is updated, and both sit in one database
// transaction, so an interrupted deduct is detectable, never a silent
// overspend.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Transaction reasons. op:<name> reasons are built with OpReason.
const (
	ReasonInitialSignup         = "initial_signup"
	ReasonInitialPro            = "initial_pro"
	ReasonMonthlyRefill         = "monthly_refill"
	ReasonSubscriptionCancelled = "subscription_cancelled"
	ReasonAdminAdjust           = "admin_adjust"
)

// OpReason returns the ledger reason for a metered operation, e.g. "op:links".
func OpReason(op string) string { return "op:" + op }

// Sentinel errors surfaced to callers.
var (
	ErrNotFound        = errors.New("ledger: balance not found")
	ErrAlreadyAssigned = errors.New("ledger: initial credits already assigned")
	ErrInsufficient    = errors.New("ledger: insufficient credits")
	ErrAlreadyApplied  = errors.New("ledger: refill already applied")
)

// Credits holds the grant amounts, parsed from the environment by config.
type Credits struct {
	InitialFree   int64
	InitialPro    int64
	MonthlyRefill int64
}

// Balance is the per-user balance projection.
type Balance struct {
	UserID     string
	Balance    int64
	Plan       string
	LastRefill *time.Time
}

// Transaction is one append-only ledger row. Never updated or deleted.
type Transaction struct {
	ID        string
	UserID    string
	Delta     int64
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Ledger manages balances across Redis and PostgreSQL.
//
// Thread safety: all methods are safe for concurrent use; the connection
// pools handle concurrency and the deduct script is atomic in Redis.
//
// Lifecycle: create once at startup with New, Close during shutdown to
// drain the async write queue.
type Ledger struct {
	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger
	cfg   Credits

	// Pre-compiled at initialization, reused for every deduct.
	deductScript *redis.Script

	// Async write queue for PostgreSQL operations.
	writeQueue chan writeOp
	wg         sync.WaitGroup
}

// writeOp is one queued durable write, processed by background workers.
type writeOp struct {
	tx            Transaction
	updateBalance bool // also apply delta to the balance row
	setLastRefill bool
}

// deductLua atomically checks and decrements the cached balance.
// Returns {status, balance} where balance is post-deduct on success and the
// unchanged balance on rejection. A missing key rejects with -1 so the
// caller can distinguish "no balance row" from "not enough".
const deductLua = `
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then
    return {-1, 0}
end
local balance = tonumber(redis.call('GET', KEYS[1]))
local amount = tonumber(ARGV[1])
if balance < amount then
    return {0, balance}
end
local new_balance = redis.call('DECRBY', KEYS[1], amount)
return {1, new_balance}
`

// New creates a Ledger on top of already-open connections and starts the
// async write workers.
func New(rdb *redis.Client, db *sql.DB, cfg Credits, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		redis:        rdb,
		db:           db,
		log:          logger.With().Str("component", "ledger").Logger(),
		cfg:          cfg,
		deductScript: redis.NewScript(deductLua),
		writeQueue:   make(chan writeOp, 10000), // large buffer for burst traffic
	}

	numWorkers := 4
	l.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go l.asyncWriteWorker(i)
	}

	l.log.Info().Int("num_workers", numWorkers).Msg("ledger write workers started")
	return l
}

func balanceKey(userID string) string { return "credits:balance:" + userID }

func newTxID() string { return uuid.New().String() }

// AssignInitial grants the signup credits exactly once per user.
//
// Fails with ErrAlreadyAssigned if a balance row already exists. The insert
// itself is the idempotency guard (primary key on user_id), so two racing
// signups cannot both grant.
func (l *Ledger) AssignInitial(ctx context.Context, userID string) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, balance, plan)
		VALUES ($1, $2, 'free')
		ON CONFLICT (user_id) DO NOTHING
	`, userID, l.cfg.InitialFree)
	if err != nil {
		return fmt.Errorf("insert balance failed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected failed: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyAssigned
	}

	if err := l.insertTransaction(ctx, l.db, Transaction{
		ID:     uuid.New().String(),
		UserID: userID,
		Delta:  l.cfg.InitialFree,
		Reason: ReasonInitialSignup,
	}); err != nil {
		return err
	}

	if err := l.redis.Set(ctx, balanceKey(userID), l.cfg.InitialFree, 0).Err(); err != nil {
		// Cache seed failure is recoverable: GetBalance falls back to
		// PostgreSQL and re-seeds.
		l.log.Warn().Err(err).Str("user_id", userID).Msg("failed to seed balance cache")
	}

	l.log.Info().
		Str("user_id", userID).
		Int64("balance", l.cfg.InitialFree).
		Msg("initial credits assigned")

	return nil
}

// GetBalance returns the current balance, plan and last refill time.
//
// The balance comes from the Redis cache when present; plan and refill
// timestamp come from the PostgreSQL row. A missing row means signup never
// ran and surfaces ErrNotFound.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	b := &Balance{UserID: userID}

	var lastRefill sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT balance, plan, last_refill
		FROM credit_balances
		WHERE user_id = $1
	`, userID).Scan(&b.Balance, &b.Plan, &lastRefill)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("balance query failed: %w", err)
	}
	if lastRefill.Valid {
		t := lastRefill.Time
		b.LastRefill = &t
	}

	cached, err := l.redis.Get(ctx, balanceKey(userID)).Int64()
	if err == redis.Nil {
		// Cold cache (Redis restart). Re-seed from the durable row.
		if err := l.redis.Set(ctx, balanceKey(userID), b.Balance, 0).Err(); err != nil {
			l.log.Warn().Err(err).Str("user_id", userID).Msg("balance cache re-seed failed")
		}
	} else if err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("balance cache read failed, using durable row")
	} else {
		b.Balance = cached
	}

	return b, nil
}

// Deduct atomically removes amount credits from the cached balance and
// queues the durable transaction + balance update.
//
// Fails with ErrInsufficient if the cached balance is below amount, with no
// side effects. The returned value is the post-deduct cached balance.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, reason string, metadata map[string]any) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: deduct amount must be positive, got %d", amount)
	}

	start := time.Now()

	result, err := l.deductScript.Run(ctx, l.redis, []string{balanceKey(userID)}, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("deduct script failed: %w", err)
	}

	resultArray := result.([]interface{})
	status := resultArray[0].(int64)
	balance := resultArray[1].(int64)

	switch status {
	case -1:
		return 0, ErrNotFound
	case 0:
		l.log.Debug().
			Str("user_id", userID).
			Int64("amount", amount).
			Int64("balance", balance).
			Msg("deduct rejected")
		return balance, ErrInsufficient
	}

	l.enqueueWrite(writeOp{
		tx: Transaction{
			ID:       uuid.New().String(),
			UserID:   userID,
			Delta:    -amount,
			Reason:   reason,
			Metadata: metadata,
		},
		updateBalance: true,
	})

	l.log.Debug().
		Str("user_id", userID).
		Str("reason", reason).
		Int64("amount", amount).
		Int64("remaining", balance).
		Dur("duration_ms", time.Since(start)).
		Msg("deduct completed")

	return balance, nil
}

// AdminAdjust applies a signed delta outside the normal flows (support
// corrections). Appends an admin_adjust transaction and updates both stores.
func (l *Ledger) AdminAdjust(ctx context.Context, userID string, delta int64, note string) (int64, error) {
	balance, err := l.redis.IncrBy(ctx, balanceKey(userID), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("balance adjust failed: %w", err)
	}

	l.enqueueWrite(writeOp{
		tx: Transaction{
			ID:       uuid.New().String(),
			UserID:   userID,
			Delta:    delta,
			Reason:   ReasonAdminAdjust,
			Metadata: map[string]any{"note": note},
		},
		updateBalance: true,
	})

	l.log.Info().
		Str("user_id", userID).
		Int64("delta", delta).
		Int64("balance", balance).
		Msg("admin adjustment applied")

	return balance, nil
}

// Transactions returns the most recent ledger rows for a user, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, delta, reason, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("transactions query failed: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var tx Transaction
		var metadata []byte
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason, &metadata, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("transaction scan failed: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
				l.log.Warn().Err(err).Str("tx_id", tx.ID).Msg("bad transaction metadata")
			}
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// WarmBalances seeds the Redis balance cache from PostgreSQL.
//
// Call at startup before accepting requests; without it a fresh Redis would
// reject every deduct with NotFound. Uses a pipeline in batches of 1000.
func (l *Ledger) WarmBalances(ctx context.Context) error {
	start := time.Now()

	rows, err := l.db.QueryContext(ctx, `
		SELECT user_id, balance
		FROM credit_balances
		ORDER BY user_id
	`)
	if err != nil {
		return fmt.Errorf("balance query failed: %w", err)
	}
	defer rows.Close()

	pipe := l.redis.Pipeline()
	count := 0

	for rows.Next() {
		var userID string
		var balance int64
		if err := rows.Scan(&userID, &balance); err != nil {
			l.log.Error().Err(err).Msg("failed to scan balance row")
			continue
		}

		pipe.Set(ctx, balanceKey(userID), balance, 0)
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = l.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	l.log.Info().
		Int("user_count", count).
		Dur("duration", time.Since(start)).
		Msg("balance cache warmed from postgres")

	return nil
}

type execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}

// insertTransaction appends a ledger row using the given execer (pool or tx).
func (l *Ledger) insertTransaction(ctx context.Context, db execer, tx Transaction) error {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to marshal transaction metadata, using empty")
		raw = []byte("{}")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, delta, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, tx.ID, tx.UserID, tx.Delta, tx.Reason, raw)
	if err != nil {
		return fmt.Errorf("insert transaction failed: %w", err)
	}
	return nil
}

func (l *Ledger) enqueueWrite(op writeOp) {
	select {
	case l.writeQueue <- op:
	default:
		// Queue full - log but don't block the hot path. Reconciliation
		// catches the resulting drift.
		l.log.Warn().Str("reason", op.tx.Reason).Msg("write queue full, dropping durable write")
	}
}

// asyncWriteWorker processes queued PostgreSQL writes with retries.
func (l *Ledger) asyncWriteWorker(workerID int) {
	defer l.wg.Done()

	logger := l.log.With().Int("worker_id", workerID).Logger()

	for op := range l.writeQueue {
		maxRetries := 5
		backoff := 100 * time.Millisecond

		for attempt := 1; attempt <= maxRetries; attempt++ {
			err := l.writeDurable(context.Background(), op)
			if err == nil {
				break
			}

			if attempt < maxRetries {
				logger.Warn().Err(err).
					Int("attempt", attempt).
					Str("reason", op.tx.Reason).
					Msg("durable write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).
					Str("tx_id", op.tx.ID).
					Str("reason", op.tx.Reason).
					Msg("durable write failed after all retries")
			}
		}
	}
}

// writeDurable applies one queued write: transaction row first, then the
// balance row, inside a single database transaction.
func (l *Ledger) writeDurable(ctx context.Context, op writeOp) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer dbtx.Rollback()

	if err := l.insertTransaction(ctx, dbtx, op.tx); err != nil {
		return err
	}

	if op.updateBalance {
		query := `UPDATE credit_balances SET balance = balance + $1, updated_at = NOW() WHERE user_id = $2`
		if op.setLastRefill {
			query = `UPDATE credit_balances SET balance = balance + $1, last_refill = NOW(), updated_at = NOW() WHERE user_id = $2`
		}
		if _, err := dbtx.ExecContext(ctx, query, op.tx.Delta, op.tx.UserID); err != nil {
			return fmt.Errorf("update balance failed: %w", err)
		}
	}

	return dbtx.Commit()
}

// Close drains the write queue and stops the workers. Does not close the
// underlying connections; the store owns those.
func (l *Ledger) Close() error {
	l.log.Info().Msg("draining ledger write queue")
	close(l.writeQueue)
	l.wg.Wait()
	l.log.Info().Msg("ledger shutdown complete")
	return nil
}
