package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"limitter/internal/types"
)

// UserRepository provides data access for the users table.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// Used consistently across all query methods to avoid column drift.
const userColumns = `u.id, u.email, u.name, u.password_hash, u.email_verified, u.plan, u.role,
	u.subscription_status, u.total_spent_cents, u.total_time_saved_secs, u.total_sites_blocked,
	u.created_at, u.updated_at`

// scanUser scans a single user row into a types.User struct.
// The columns must match the order defined in userColumns.
// Uses nullable scan targets for columns that may be NULL in the database
// (name, password_hash).
func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var (
		name         *string
		passwordHash *string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&name,
		&passwordHash,
		&u.EmailVerified,
		&u.Plan,
		&u.Role,
		&u.SubscriptionStatus,
		&u.TotalSpentCents,
		&u.TotalTimeSavedSecs,
		&u.TotalSitesBlocked,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if name != nil {
		u.Name = *name
	}
	if passwordHash != nil {
		u.PasswordHash = *passwordHash
	}
	return &u, nil
}

// Create inserts a new user. Returns ErrCodeConflictEmail if the email is
// already registered (unique constraint on users.email).
func (r *UserRepository) Create(ctx context.Context, user *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, email_verified, plan, role,
		 subscription_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), NOW())`,
		user.ID,
		user.Email,
		nilIfEmpty(user.Name),
		nilIfEmpty(user.PasswordHash),
		user.EmailVerified,
		user.Plan,
		user.Role,
		user.SubscriptionStatus,
		nilIfZeroTime(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "email already registered", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// GetByID retrieves a user by ID. Returns ErrCodeNotFoundUser if absent.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`,
		id,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetByIDForUpdate retrieves a user by ID with a row lock. Plan changes and
// override consumption call this inside a transaction to serialize writers
// for the same user.
func (r *UserRepository) GetByIDForUpdate(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1 FOR UPDATE`,
		id,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email address for login.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.email = $1`,
		email,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user by email", err)
	}
	return u, nil
}

// UpdatePlan sets the user's plan and subscription status. The caller is
// responsible for updating the subscriptions row in the same transaction
// (dual-write invariant).
func (r *UserRepository) UpdatePlan(ctx context.Context, userID string, plan types.PlanTier, status types.SubscriptionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET plan = $1, subscription_status = $2, updated_at = NOW()
		 WHERE id = $3`,
		plan,
		status,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update user plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// AddSpent atomically increments the user's lifetime spend. Called in the
// same transaction as the completed transaction insert so the ledger and the
// denormalized total cannot diverge.
func (r *UserRepository) AddSpent(ctx context.Context, userID string, amountCents int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET total_spent_cents = total_spent_cents + $1, updated_at = NOW()
		 WHERE id = $2`,
		amountCents,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment spend total", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// AddTimeSaved atomically increments the lifetime time-saved counter.
// Fired when a site blocks at quota exhaustion.
func (r *UserRepository) AddTimeSaved(ctx context.Context, userID string, seconds int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET total_time_saved_secs = total_time_saved_secs + $1, updated_at = NOW()
		 WHERE id = $2`,
		seconds,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment time saved", err)
	}
	return nil
}

// AddSitesBlocked applies a signed delta to the denormalized count of
// sites the user currently tracks. Clamped at zero so a plan-change
// deletion racing a remove cannot drive it negative.
func (r *UserRepository) AddSitesBlocked(ctx context.Context, userID string, delta int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET total_sites_blocked = GREATEST(total_sites_blocked + $1, 0), updated_at = NOW()
		 WHERE id = $2`,
		delta,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update tracked site count", err)
	}
	return nil
}

// AggregateCounts scans the users table and returns the global counters it
// contributes: total user count, per-plan counts, and total time saved.
// Used by the stats rebuilder.
func (r *UserRepository) AggregateCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT plan, COUNT(*), COALESCE(SUM(total_time_saved_secs), 0) FROM users GROUP BY plan`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate users", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var plan string
		var users, timeSaved int64
		if err := rows.Scan(&plan, &users, &timeSaved); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user aggregate row", err)
		}
		counts[StatTotalUsers] += users
		counts[StatPlanPrefix+plan] = users
		counts[StatTimeSavedSecs] += timeSaved
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user aggregate rows", err)
	}
	return counts, nil
}

// SetEmailVerified marks the user's email as verified.
func (r *UserRepository) SetEmailVerified(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set email verified", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
