package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"limitter/internal/types"
)

// SiteRepository provides data access for the sites table.
//
// Key invariants:
//   - The primary key is the deterministic composite `{user_id}_{domain}`,
//     so Upsert is a create-or-reactivate against the same logical record.
//   - Removal is a soft delete (is_active = FALSE); prior settings and usage
//     history survive re-adding the site.
//   - DeleteAllByUser is the one hard delete, used by plan transitions where
//     stale plan-governed limits must not survive.
type SiteRepository struct {
	db DBTX
}

// NewSiteRepository creates a new SiteRepository backed by the given
// database connection (pool or transaction).
func NewSiteRepository(db DBTX) *SiteRepository {
	return &SiteRepository{db: db}
}

// siteColumns defines the standard set of columns selected for site queries.
const siteColumns = `s.id, s.user_id, s.url, s.name, s.time_limit_secs, s.time_remaining_secs,
	s.time_spent_today_secs, s.last_reset_date, s.is_blocked, s.blocked_until, s.is_active,
	s.total_time_spent_secs, s.access_count, s.daily_usage, s.last_accessed_at,
	s.override_active, s.override_initiated_by, s.override_initiated_at,
	s.created_at, s.updated_at`

// scanSite scans a single site row. The columns must match siteColumns.
func scanSite(row pgx.Row) (*types.Site, error) {
	var s types.Site
	var (
		name        *string
		initiatedBy *string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.URL,
		&name,
		&s.TimeLimitSecs,
		&s.TimeRemainingSecs,
		&s.TimeSpentTodaySecs,
		&s.LastResetDate,
		&s.IsBlocked,
		&s.BlockedUntil,
		&s.IsActive,
		&s.TotalTimeSpentSecs,
		&s.AccessCount,
		&s.DailyUsage,
		&s.LastAccessedAt,
		&s.OverrideActive,
		&initiatedBy,
		&s.OverrideInitiatedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if name != nil {
		s.Name = *name
	}
	if initiatedBy != nil {
		s.OverrideInitiatedBy = *initiatedBy
	}
	return &s, nil
}

// Upsert creates a site or reactivates the existing record under the same
// composite key. On reactivation the usage history (daily_usage, lifetime
// counters) is preserved; the name and time limit take the new values and
// the remaining budget is recomputed against today's spend.
func (r *SiteRepository) Upsert(ctx context.Context, site *types.Site) (*types.Site, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sites AS s (id, user_id, url, name, time_limit_secs, time_remaining_secs,
		 time_spent_today_secs, last_reset_date, is_blocked, is_active, daily_usage,
		 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5, 0, $6, FALSE, TRUE, '{}', NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   is_active = TRUE,
		   name = EXCLUDED.name,
		   time_limit_secs = EXCLUDED.time_limit_secs,
		   time_remaining_secs = GREATEST(EXCLUDED.time_limit_secs - s.time_spent_today_secs, 0),
		   updated_at = NOW()
		 RETURNING `+siteColumns,
		site.ID,
		site.UserID,
		site.URL,
		nilIfEmpty(site.Name),
		site.TimeLimitSecs,
		site.LastResetDate,
	)

	created, err := scanSite(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert site", err)
	}
	return created, nil
}

// GetByID retrieves a site by its composite key.
// Returns ErrCodeNotFoundSite if absent or inactive.
func (r *SiteRepository) GetByID(ctx context.Context, id string) (*types.Site, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+siteColumns+` FROM sites s WHERE s.id = $1 AND s.is_active`,
		id,
	)

	s, err := scanSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSite, "site not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve site", err)
	}
	return s, nil
}

// GetByIDForUpdate retrieves a site with a row lock. The time-tracking and
// override write paths call this inside a transaction so concurrent updates
// to the same site serialize instead of losing writes.
func (r *SiteRepository) GetByIDForUpdate(ctx context.Context, id string) (*types.Site, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+siteColumns+` FROM sites s WHERE s.id = $1 AND s.is_active FOR UPDATE`,
		id,
	)

	s, err := scanSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSite, "site not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve site", err)
	}
	return s, nil
}

// ListActive returns all active sites for a user, ordered by creation time.
func (r *SiteRepository) ListActive(ctx context.Context, userID string) ([]*types.Site, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+siteColumns+` FROM sites s
		 WHERE s.user_id = $1 AND s.is_active
		 ORDER BY s.created_at`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list sites", err)
	}
	defer rows.Close()

	var sites []*types.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan site row", err)
		}
		sites = append(sites, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate site rows", err)
	}
	return sites, nil
}

// UpdateUsage persists the ledger fields after a time-tracking update. The
// caller computes the new values (including any lazy daily reset) from a
// row-locked read in the same transaction.
func (r *SiteRepository) UpdateUsage(ctx context.Context, site *types.Site) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sites SET
		   time_spent_today_secs = $1,
		   time_remaining_secs = $2,
		   last_reset_date = $3,
		   is_blocked = $4,
		   blocked_until = $5,
		   total_time_spent_secs = $6,
		   access_count = $7,
		   daily_usage = $8,
		   last_accessed_at = $9,
		   override_active = $10,
		   updated_at = NOW()
		 WHERE id = $11 AND is_active`,
		site.TimeSpentTodaySecs,
		site.TimeRemainingSecs,
		site.LastResetDate,
		site.IsBlocked,
		site.BlockedUntil,
		site.TotalTimeSpentSecs,
		site.AccessCount,
		site.DailyUsage,
		site.LastAccessedAt,
		site.OverrideActive,
		site.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update site usage", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSite, "site not found", nil)
	}
	return nil
}

// ApplyOverride unblocks a site after an override is consumed: clears the
// blocked state and stamps who initiated the override and when.
func (r *SiteRepository) ApplyOverride(ctx context.Context, siteID string, initiatedBy string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sites SET
		   is_blocked = FALSE,
		   blocked_until = NULL,
		   override_active = TRUE,
		   override_initiated_by = $1,
		   override_initiated_at = $2,
		   updated_at = NOW()
		 WHERE id = $3 AND is_active`,
		initiatedBy,
		at,
		siteID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply override", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSite, "site not found", nil)
	}
	return nil
}

// ResetStale restores the full budget for every active site whose
// last_reset_date is not today, clearing blocked state and override flags.
// Returns the number of sites reset. Running it twice in the same day is a
// no-op on the second call because the WHERE clause no longer matches.
func (r *SiteRepository) ResetStale(ctx context.Context, userID string, today string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sites SET
		   time_spent_today_secs = 0,
		   time_remaining_secs = time_limit_secs,
		   last_reset_date = $1,
		   is_blocked = FALSE,
		   blocked_until = NULL,
		   override_active = FALSE,
		   override_initiated_by = NULL,
		   override_initiated_at = NULL,
		   updated_at = NOW()
		 WHERE user_id = $2 AND is_active AND last_reset_date <> $1`,
		today,
		userID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to reset daily times", err)
	}
	return int(tag.RowsAffected()), nil
}

// SoftDelete deactivates a site, preserving its settings and history for
// potential reactivation.
func (r *SiteRepository) SoftDelete(ctx context.Context, userID string, siteID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sites SET is_active = FALSE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND is_active`,
		siteID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove site", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSite, "site not found", nil)
	}
	return nil
}

// DeleteAllByUser hard-deletes every site for a user and returns how many
// of the removed rows were active. Used by plan transitions: site
// time-limits are plan-governed, so records configured under the old plan
// must not survive a tier change. Only the active count feeds the site
// counters, which never included soft-deleted rows.
func (r *SiteRepository) DeleteAllByUser(ctx context.Context, userID string) (int, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM sites WHERE user_id = $1 RETURNING is_active`,
		userID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete sites", err)
	}
	defer rows.Close()

	active := 0
	for rows.Next() {
		var isActive bool
		if err := rows.Scan(&isActive); err != nil {
			return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan deleted site row", err)
		}
		if isActive {
			active++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate deleted site rows", err)
	}
	return active, nil
}

// AggregateActive returns the global count of active tracked sites across
// all users. Used by the stats rebuilder.
func (r *SiteRepository) AggregateActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM sites WHERE is_active`).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate sites", err)
	}
	return count, nil
}

// CountActive returns the number of active sites for plan-limit enforcement.
func (r *SiteRepository) CountActive(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sites WHERE user_id = $1 AND is_active`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count sites", err)
	}
	return count, nil
}
