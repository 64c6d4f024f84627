package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Subscription mirrors the billing provider's view of a user's plan.
// Rows are upserted from webhook-driven calls; the ledger only reads them
// to decide refill eligibility and classify plan changes.
type Subscription struct {
	ID               string
	UserID           string
	Status           string
	Plan             string
	StartedAt        time.Time
	CancelledAt      *time.Time
	CurrentPeriodEnd *time.Time
	SyncedAt         time.Time
}

// Change classifies a subscription event against the stored state.
type Change struct {
	IsUpgrade         bool
	IsActivation      bool
	IsDowngrade       bool
	IsNewSubscription bool
	IsStatusChange    bool
}

// ApplyMonthlyRefill grants the monthly pro credits, idempotent on orderID.
//
// No-op for non-pro users. If a monthly_refill transaction already carries
// this orderID the call returns ErrAlreadyApplied and nothing changes, so
// webhook redelivery is safe. Unlike the deduct hot path this write is
// synchronous: the idempotency check reads PostgreSQL, so the grant must be
// visible there before the call returns.
func (l *Ledger) ApplyMonthlyRefill(ctx context.Context, userID, subscriptionID, orderID string) error {
	bal, err := l.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if bal.Plan != "pro" {
		l.log.Debug().Str("user_id", userID).Str("plan", bal.Plan).Msg("refill skipped for non-pro plan")
		return nil
	}

	applied, err := l.hasTransactionWithMeta(ctx, userID, ReasonMonthlyRefill, "orderId", orderID)
	if err != nil {
		return err
	}
	if applied {
		return ErrAlreadyApplied
	}

	err = l.grant(ctx, Transaction{
		UserID: userID,
		Delta:  l.cfg.MonthlyRefill,
		Reason: ReasonMonthlyRefill,
		Metadata: map[string]any{
			"orderId":        orderID,
			"subscriptionId": subscriptionID,
		},
	}, grantOpts{setLastRefill: true})
	if err != nil {
		return err
	}

	l.log.Info().
		Str("user_id", userID).
		Str("order_id", orderID).
		Int64("amount", l.cfg.MonthlyRefill).
		Msg("monthly refill applied")

	return nil
}

// OnSubscriptionChange applies a billing event to the ledger.
//
// Upgrades and activations grant the pro credits once per subscriptionID
// and flip the plan to pro. Downgrades append a zero-delta audit row and
// flip the plan to free; accumulated credits are preserved.
func (l *Ledger) OnSubscriptionChange(ctx context.Context, userID, subscriptionID, status, plan string) (*Change, error) {
	bal, err := l.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	stored, err := l.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	change := classify(stored, bal.Plan, status, plan)

	if err := l.upsertSubscription(ctx, Subscription{
		ID:     subscriptionID,
		UserID: userID,
		Status: status,
		Plan:   plan,
	}); err != nil {
		return nil, err
	}

	switch {
	case (change.IsUpgrade || change.IsActivation) && (change.IsNewSubscription || change.IsStatusChange):
		granted, err := l.hasTransactionWithMeta(ctx, userID, ReasonInitialPro, "subscriptionId", subscriptionID)
		if err != nil {
			return nil, err
		}
		if granted {
			return change, nil
		}

		err = l.grant(ctx, Transaction{
			UserID:   userID,
			Delta:    l.cfg.InitialPro,
			Reason:   ReasonInitialPro,
			Metadata: map[string]any{"subscriptionId": subscriptionID},
		}, grantOpts{setPlan: "pro"})
		if err != nil {
			return nil, err
		}

		l.log.Info().
			Str("user_id", userID).
			Str("subscription_id", subscriptionID).
			Int64("amount", l.cfg.InitialPro).
			Msg("pro activation credits granted")

	case change.IsDowngrade && change.IsStatusChange:
		audited, err := l.hasTransactionWithMeta(ctx, userID, ReasonSubscriptionCancelled, "subscriptionId", subscriptionID)
		if err != nil {
			return nil, err
		}
		if audited {
			return change, nil
		}

		// Delta zero: audit row only. Credits survive the downgrade.
		err = l.grant(ctx, Transaction{
			UserID:   userID,
			Delta:    0,
			Reason:   ReasonSubscriptionCancelled,
			Metadata: map[string]any{"subscriptionId": subscriptionID},
		}, grantOpts{setPlan: "free"})
		if err != nil {
			return nil, err
		}

		l.log.Info().
			Str("user_id", userID).
			Str("subscription_id", subscriptionID).
			Msg("subscription cancelled, plan set to free")
	}

	return change, nil
}

// classify derives the change flags from stored subscription state, the
// balance row's plan, and the incoming event.
func classify(stored *Subscription, balancePlan, status, plan string) *Change {
	c := &Change{}

	c.IsNewSubscription = stored == nil
	if stored != nil {
		c.IsStatusChange = stored.Status != status || stored.Plan != plan
	} else {
		c.IsStatusChange = true
	}

	active := status == "active" || status == "trialing"
	c.IsActivation = active && plan == "pro" && balancePlan != "pro"
	c.IsUpgrade = active && plan == "pro" && stored != nil && stored.Plan != "pro"
	c.IsDowngrade = (!active || plan != "pro") && balancePlan == "pro"

	return c
}

type grantOpts struct {
	setLastRefill bool
	setPlan       string
}

// grant applies a positive (or zero) delta synchronously: transaction row
// first, then the balance row, one database transaction, then the cache.
func (l *Ledger) grant(ctx context.Context, tx Transaction, opts grantOpts) error {
	tx.ID = newTxID()

	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer dbtx.Rollback()

	if err := l.insertTransaction(ctx, dbtx, tx); err != nil {
		return err
	}

	sets := "balance = balance + $1, updated_at = NOW()"
	if opts.setLastRefill {
		sets += ", last_refill = NOW()"
	}
	args := []interface{}{tx.Delta, tx.UserID}
	if opts.setPlan != "" {
		sets += ", plan = $3"
		args = append(args, opts.setPlan)
	}

	if _, err := dbtx.ExecContext(ctx,
		"UPDATE credit_balances SET "+sets+" WHERE user_id = $2", args...); err != nil {
		return fmt.Errorf("update balance failed: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	if tx.Delta != 0 {
		if err := l.redis.IncrBy(ctx, balanceKey(tx.UserID), tx.Delta).Err(); err != nil {
			l.log.Warn().Err(err).Str("user_id", tx.UserID).Msg("balance cache update failed after grant")
		}
	}

	return nil
}

// hasTransactionWithMeta reports whether a transaction with the given reason
// already carries the idempotency key in its metadata.
func (l *Ledger) hasTransactionWithMeta(ctx context.Context, userID, reason, metaKey, metaValue string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `
		SELECT 1
		FROM credit_transactions
		WHERE user_id = $1 AND reason = $2 AND metadata->>$3 = $4
		LIMIT 1
	`, userID, reason, metaKey, metaValue).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("idempotency query failed: %w", err)
	}
	return true, nil
}

func (l *Ledger) getSubscription(ctx context.Context, id string) (*Subscription, error) {
	var s Subscription
	var cancelledAt, periodEnd sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, plan, started_at, cancelled_at, current_period_end, synced_at
		FROM subscriptions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.Status, &s.Plan, &s.StartedAt, &cancelledAt, &periodEnd, &s.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("subscription query failed: %w", err)
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		s.CancelledAt = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		s.CurrentPeriodEnd = &t
	}
	return &s, nil
}

func (l *Ledger) upsertSubscription(ctx context.Context, s Subscription) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, status, plan, started_at, synced_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			cancelled_at = CASE WHEN EXCLUDED.status = 'cancelled' THEN NOW() ELSE subscriptions.cancelled_at END,
			synced_at = NOW()
	`, s.ID, s.UserID, s.Status, s.Plan)
	if err != nil {
		return fmt.Errorf("upsert subscription failed: %w", err)
	}
	return nil
}
