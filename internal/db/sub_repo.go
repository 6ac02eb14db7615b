package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"limitter/internal/types"
)

// SubscriptionRepo stores the billing-side subscription record that mirrors
// users.plan. Plan changes write both tables inside one transaction; this
// repo only handles the subscriptions side.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// Upsert writes the subscription record for a user, replacing any previous
// plan state. StartedAt is reset on every plan change.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, started_at, expires_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), $4, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan = $2,
		   status = $3,
		   started_at = NOW(),
		   expires_at = $4,
		   updated_at = NOW()`,
		sub.UserID,
		sub.Plan,
		sub.Status,
		sub.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// GetByUserID retrieves the user's subscription record.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	var sub types.Subscription
	err := r.db.QueryRow(ctx,
		`SELECT user_id, plan, status, started_at, expires_at, updated_at
		 FROM subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&sub.UserID, &sub.Plan, &sub.Status, &sub.StartedAt, &sub.ExpiresAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return &sub, nil
}

// UpdateStatus changes only the billing status, leaving the plan untouched.
// Used by webhook events such as payment failures.
func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, userID string, status types.SubscriptionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE user_id = $2`,
		status,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}
