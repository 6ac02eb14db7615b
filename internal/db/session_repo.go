package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"limitter/internal/types"
)

// SessionRepository stores authenticated sessions keyed by the SHA-256 hash
// of the bearer token. Raw tokens never touch the database.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session row.
func (r *SessionRepository) Create(ctx context.Context, session *types.Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, user_agent, ip_address, expires_at, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		session.TokenHash,
		session.UserID,
		nilIfEmpty(session.UserAgent),
		nilIfEmpty(session.IPAddress),
		session.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	return nil
}

// GetByTokenHash retrieves a session by token hash. Expiry is enforced here
// so callers never see a stale session.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*types.Session, error) {
	var s types.Session
	var userAgent, ipAddress *string
	err := r.db.QueryRow(ctx,
		`SELECT token_hash, user_id, user_agent, ip_address, expires_at, last_activity_at, created_at
		 FROM sessions WHERE token_hash = $1`,
		tokenHash,
	).Scan(&s.TokenHash, &s.UserID, &userAgent, &ipAddress, &s.ExpiresAt, &s.LastActivityAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get session", err)
	}
	if userAgent != nil {
		s.UserAgent = *userAgent
	}
	if ipAddress != nil {
		s.IPAddress = *ipAddress
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session expired", nil)
	}
	return &s, nil
}

// TouchActivity advances last_activity_at. Failures are non-fatal to the
// request; callers log and continue.
func (r *SessionRepository) TouchActivity(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = NOW() WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch session", err)
	}
	return nil
}

// Delete removes a session (logout).
func (r *SessionRepository) Delete(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete session", err)
	}
	return nil
}

// DeleteExpired removes all sessions past their expiry. Returns the number
// removed; run periodically, safe to call concurrently.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired sessions", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAllByUser removes every session belonging to a user. Used when the
// password changes or an admin disables the account.
func (r *SessionRepository) DeleteAllByUser(ctx context.Context, userID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete user sessions", err)
	}
	return int(tag.RowsAffected()), nil
}
