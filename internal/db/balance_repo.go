package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"limitter/internal/types"
)

// OverrideBalanceRepo manages the per-user override credit record and the
// per-month consumption counters.
//
// Key invariants:
//   - Every mutation is a single conditional UPDATE (or upsert) relative to
//     the stored value. The repo never reads a balance into Go, computes a
//     new value, and writes it back; that pattern loses updates when two
//     requests for the same user race.
//   - ConsumePurchased re-checks `overrides > 0` inside the mutating
//     statement. A zero-rows result means the balance was exhausted between
//     the advisory eligibility check and the consume, and surfaces as
//     ErrCodeConflictInsufficientBalance with no state changed.
type OverrideBalanceRepo struct {
	db DBTX
}

// NewOverrideBalanceRepo creates a new OverrideBalanceRepo backed by the
// given database connection (pool or transaction).
func NewOverrideBalanceRepo(db DBTX) *OverrideBalanceRepo {
	return &OverrideBalanceRepo{db: db}
}

// GetOrCreate returns the user's balance record, lazily creating a zeroed
// row on first touch. The INSERT .. ON CONFLICT keeps creation race-safe.
func (r *OverrideBalanceRepo) GetOrCreate(ctx context.Context, userID string) (*types.OverrideBalance, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO override_balances (user_id, overrides, total_purchased, used_total, total_spent_cents, updated_at)
		 VALUES ($1, 0, 0, 0, 0, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING user_id, overrides, total_purchased, used_total, total_spent_cents,
		           last_grant_reason, last_grant_at, updated_at`,
		userID,
	)

	b, err := scanBalance(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load override balance", err)
	}
	return b, nil
}

// Get returns the balance record without creating it.
// Returns a zeroed record when none exists yet.
func (r *OverrideBalanceRepo) Get(ctx context.Context, userID string) (*types.OverrideBalance, error) {
	row := r.db.QueryRow(ctx,
		`SELECT user_id, overrides, total_purchased, used_total, total_spent_cents,
		        last_grant_reason, last_grant_at, updated_at
		 FROM override_balances WHERE user_id = $1`,
		userID,
	)

	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &types.OverrideBalance{UserID: userID}, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load override balance", err)
	}
	return b, nil
}

func scanBalance(row pgx.Row) (*types.OverrideBalance, error) {
	var b types.OverrideBalance
	var reason *string
	err := row.Scan(
		&b.UserID,
		&b.Overrides,
		&b.TotalPurchased,
		&b.UsedTotal,
		&b.TotalSpentCents,
		&reason,
		&b.LastGrantAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		b.LastGrantReason = types.GrantReason(*reason)
	}
	return &b, nil
}

// Grant adds quantity credits via an atomic upsert increment:
// overrides += quantity, total_purchased += quantity, plus last-grant
// metadata for audit. Returns the new available balance.
func (r *OverrideBalanceRepo) Grant(ctx context.Context, userID string, quantity int, reason types.GrantReason) (int, error) {
	var newBalance int
	err := r.db.QueryRow(ctx,
		`INSERT INTO override_balances (user_id, overrides, total_purchased, used_total, total_spent_cents,
		 last_grant_reason, last_grant_at, updated_at)
		 VALUES ($1, $2, $2, 0, 0, $3, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   overrides = override_balances.overrides + $2,
		   total_purchased = override_balances.total_purchased + $2,
		   last_grant_reason = $3,
		   last_grant_at = NOW(),
		   updated_at = NOW()
		 RETURNING overrides`,
		userID,
		quantity,
		reason,
	).Scan(&newBalance)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to grant overrides", err)
	}
	return newBalance, nil
}

// SetTo overwrites the available balance to an absolute allotment. Plan
// transitions grant the new tier's full allotment rather than adding to
// whatever remained. Plan benefits are not sales: total_purchased tracks
// Grant (purchases, charges, admin credits) only, so the overrides.sold
// counter stays rebuildable from SUM(total_purchased).
func (r *OverrideBalanceRepo) SetTo(ctx context.Context, userID string, quantity int, reason types.GrantReason) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO override_balances (user_id, overrides, total_purchased, used_total, total_spent_cents,
		 last_grant_reason, last_grant_at, updated_at)
		 VALUES ($1, $2, 0, 0, 0, $3, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   overrides = $2,
		   last_grant_reason = $3,
		   last_grant_at = NOW(),
		   updated_at = NOW()`,
		userID,
		quantity,
		reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set override allotment", err)
	}
	return nil
}

// ConsumeFree records a free-allowance override for the month. The monthly
// quota is re-validated inside the mutating upsert: when free_used has
// already reached the quota the statement matches no row and the caller
// receives ErrCodeConflictInsufficientBalance.
func (r *OverrideBalanceRepo) ConsumeFree(ctx context.Context, userID string, month string, quota int) error {
	// Ensure the month row exists, then conditionally increment.
	_, err := r.db.Exec(ctx,
		`INSERT INTO override_monthly_stats (user_id, month, free_used, purchased_used, spent_cents)
		 VALUES ($1, $2, 0, 0, 0)
		 ON CONFLICT (user_id, month) DO NOTHING`,
		userID,
		month,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to init monthly stats", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE override_monthly_stats SET free_used = free_used + 1
		 WHERE user_id = $1 AND month = $2 AND free_used < $3`,
		userID,
		month,
		quota,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to consume free override", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictInsufficientBalance, "monthly free override quota exhausted", nil)
	}

	_, err = r.db.Exec(ctx,
		`UPDATE override_balances SET used_total = used_total + 1, updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update lifetime usage", err)
	}
	return nil
}

// ConsumePurchased debits one purchased credit. The balance check lives in
// the UPDATE itself: zero rows affected means the balance was already empty
// and nothing changed.
func (r *OverrideBalanceRepo) ConsumePurchased(ctx context.Context, userID string, month string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE override_balances SET
		   overrides = overrides - 1,
		   used_total = used_total + 1,
		   updated_at = NOW()
		 WHERE user_id = $1 AND overrides > 0`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to consume purchased override", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictInsufficientBalance, "no purchased overrides available", nil)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO override_monthly_stats (user_id, month, free_used, purchased_used, spent_cents)
		 VALUES ($1, $2, 0, 1, 0)
		 ON CONFLICT (user_id, month) DO UPDATE SET
		   purchased_used = override_monthly_stats.purchased_used + 1`,
		userID,
		month,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update monthly stats", err)
	}
	return nil
}

// RecordSpend adds to the monthly and lifetime spend counters after a paid
// override charge completes.
func (r *OverrideBalanceRepo) RecordSpend(ctx context.Context, userID string, month string, amountCents int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO override_monthly_stats (user_id, month, free_used, purchased_used, spent_cents)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (user_id, month) DO UPDATE SET
		   spent_cents = override_monthly_stats.spent_cents + $3`,
		userID,
		month,
		amountCents,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record monthly spend", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO override_balances (user_id, overrides, total_purchased, used_total, total_spent_cents, updated_at)
		 VALUES ($1, 0, 0, 0, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   total_spent_cents = override_balances.total_spent_cents + $2,
		   updated_at = NOW()`,
		userID,
		amountCents,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record lifetime spend", err)
	}
	return nil
}

// ResetForDowngrade zeroes the available balance when a user transitions to
// the free tier. Lifetime counters are preserved for history.
func (r *OverrideBalanceRepo) ResetForDowngrade(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE override_balances SET
		   overrides = 0,
		   last_grant_reason = $1,
		   last_grant_at = NOW(),
		   updated_at = NOW()
		 WHERE user_id = $2`,
		types.GrantReasonPlanBenefit,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset balance for downgrade", err)
	}
	return nil
}

// AggregateUsage scans all balance rows and returns the global override
// counters: lifetime consumed and lifetime purchased. Used by the stats
// rebuilder.
func (r *OverrideBalanceRepo) AggregateUsage(ctx context.Context) (map[string]int64, error) {
	var used, purchased int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(used_total), 0), COALESCE(SUM(total_purchased), 0) FROM override_balances`,
	).Scan(&used, &purchased)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate override usage", err)
	}
	return map[string]int64{
		StatOverridesUsed: used,
		StatOverridesSold: purchased,
	}, nil
}

// GetMonthlyStats returns the consumption counters for a (user, month) pair.
// Returns a zeroed record when the month has no activity yet.
func (r *OverrideBalanceRepo) GetMonthlyStats(ctx context.Context, userID string, month string) (*types.OverrideMonthlyStats, error) {
	var s types.OverrideMonthlyStats
	err := r.db.QueryRow(ctx,
		`SELECT user_id, month, free_used, purchased_used, spent_cents
		 FROM override_monthly_stats WHERE user_id = $1 AND month = $2`,
		userID,
		month,
	).Scan(&s.UserID, &s.Month, &s.FreeUsed, &s.PurchasedUsed, &s.SpentCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &types.OverrideMonthlyStats{UserID: userID, Month: month}, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load monthly stats", err)
	}
	return &s, nil
}
