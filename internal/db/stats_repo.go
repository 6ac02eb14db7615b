package db

import (
	"context"
	"time"

	"limitter/internal/types"
)

// Well-known aggregate counter keys. The table is open-keyed; these are the
// counters the service maintains incrementally and the rebuilder recomputes.
const (
	StatTotalUsers        = "users.total"
	StatTotalSites        = "sites.total"
	StatTotalRevenueCents = "revenue.total_cents"
	StatOverridesUsed     = "overrides.used"
	StatOverridesSold     = "overrides.sold"
	StatTimeSavedSecs     = "time_saved.total_secs"
	StatPlanPrefix        = "users.plan." // users.plan.free, users.plan.pro, users.plan.elite
)

// AdminStatsRepo maintains the keyed global counter table. Counters are
// mutated only through atomic upsert increments so concurrent writers never
// lose updates. Drift from missed increments is repaired by Replace during
// a full-scan recalculation.
type AdminStatsRepo struct {
	db DBTX
}

// NewAdminStatsRepo creates a new AdminStatsRepo backed by the given
// database connection (pool or transaction).
func NewAdminStatsRepo(db DBTX) *AdminStatsRepo {
	return &AdminStatsRepo{db: db}
}

// Increment applies a signed delta to one counter, creating it at the delta
// value if absent. A zero delta is a no-op.
func (r *AdminStatsRepo) Increment(ctx context.Context, key string, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO admin_stats (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET
		   value = admin_stats.value + $2,
		   updated_at = NOW()`,
		key,
		delta,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment stat counter", err)
	}
	return nil
}

// IncrementAll applies a batch of deltas. Callers running inside a
// transaction get all-or-nothing semantics for the batch.
func (r *AdminStatsRepo) IncrementAll(ctx context.Context, deltas map[string]int64) error {
	for key, delta := range deltas {
		if err := r.Increment(ctx, key, delta); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns all counters with the read time. Missing counters simply
// don't appear in the map; callers treat absence as zero.
func (r *AdminStatsRepo) Snapshot(ctx context.Context) (*types.StatsSnapshot, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM admin_stats ORDER BY key`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read stat counters", err)
	}
	defer rows.Close()

	counters := map[string]int64{}
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stat row", err)
		}
		counters[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stat rows", err)
	}

	return &types.StatsSnapshot{Counters: counters, ComputedAt: time.Now().UTC()}, nil
}

// Replace overwrites the counter table with recomputed values. Counters not
// present in the new set are deleted so stale keys cannot linger after a
// rebuild. Must run inside the rebuilder's transaction.
func (r *AdminStatsRepo) Replace(ctx context.Context, counters map[string]int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM admin_stats`); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear stat counters", err)
	}
	for key, value := range counters {
		_, err := r.db.Exec(ctx,
			`INSERT INTO admin_stats (key, value, updated_at) VALUES ($1, $2, NOW())`,
			key,
			value,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to write stat counter", err)
		}
	}
	return nil
}
