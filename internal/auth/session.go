package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"limitter/internal/db"
	"limitter/internal/types"
)

// DefaultSessionDuration is the lifetime of a new session.
const DefaultSessionDuration = 7 * 24 * time.Hour

// tokenPrefix marks bearer tokens issued by this service so they are
// recognizable in logs and support tickets without being guessable.
const tokenPrefix = "lmt_"

// TokenGenerator abstracts the entropy source for session tokens so tests
// can issue deterministic tokens.
type TokenGenerator interface {
	GenerateToken() (string, error)
}

// CryptoTokenGenerator is the production TokenGenerator, backed by
// crypto/rand. Tokens are "lmt_" + 32 random bytes hex-encoded.
type CryptoTokenGenerator struct{}

func (CryptoTokenGenerator) GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}

// HashToken produces the hex-encoded SHA-256 hash of a raw bearer token.
// Only the hash is stored; a database dump cannot be replayed as a token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// CanonicalizeEmail normalizes an email address for storage and lookup so
// "User@Example.com " and "user@example.com" resolve to the same account.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SessionRepo is the data access surface the session manager needs.
// *db.SessionRepository satisfies it.
type SessionRepo interface {
	Create(ctx context.Context, session *types.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*types.Session, error)
	TouchActivity(ctx context.Context, tokenHash string) error
	Delete(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context) (int, error)
	DeleteAllByUser(ctx context.Context, userID string) (int, error)
}

var _ SessionRepo = (*db.SessionRepository)(nil)

// SessionManager issues, validates, and revokes opaque bearer sessions.
// The raw token is returned to the caller exactly once, at creation; the
// database only ever sees its SHA-256 hash.
type SessionManager struct {
	repo     SessionRepo
	tokens   TokenGenerator
	duration time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// SessionManagerConfig holds the dependencies for NewSessionManager.
// Tokens, Duration, Clock, and Logger default sensibly when zero.
type SessionManagerConfig struct {
	Repo     SessionRepo
	Tokens   TokenGenerator
	Duration time.Duration
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = CryptoTokenGenerator{}
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		repo:     cfg.Repo,
		tokens:   tokens,
		duration: duration,
		clock:    clock,
		logger:   logger,
	}
}

// Create issues a new session for the user and returns the stored session
// together with the raw bearer token.
func (m *SessionManager) Create(ctx context.Context, userID, userAgent, ip string) (*types.Session, string, error) {
	token, err := m.tokens.GenerateToken()
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate session token", err)
	}

	now := m.clock.Now().UTC()
	session := &types.Session{
		TokenHash:      HashToken(token),
		UserID:         userID,
		UserAgent:      userAgent,
		IPAddress:      ip,
		ExpiresAt:      now.Add(m.duration),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, "", err
	}

	m.logger.Info("session created",
		"user_id", userID,
		"expires_at", session.ExpiresAt,
	)
	return session, token, nil
}

// Validate resolves a raw bearer token to its session. The repository
// rejects unknown hashes with ErrCodeAuthTokenInvalid and stale rows with
// ErrCodeAuthSessionExpired. Activity tracking is best effort.
func (m *SessionManager) Validate(ctx context.Context, token string) (*types.Session, error) {
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing bearer token", nil)
	}
	session, err := m.repo.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if err := m.repo.TouchActivity(ctx, session.TokenHash); err != nil {
		m.logger.Warn("failed to update session activity",
			"user_id", session.UserID,
			"error", err,
		)
	}
	return session, nil
}

// Revoke deletes the session for the given raw token (logout). Deleting an
// already-absent session is not an error; logout is idempotent.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if err := m.repo.Delete(ctx, HashToken(token)); err != nil {
		return err
	}
	m.logger.Info("session revoked")
	return nil
}

// RevokeAllForUser deletes every session belonging to the user. Called on
// password changes and admin account actions.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	n, err := m.repo.DeleteAllByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	m.logger.Info("all sessions revoked", "user_id", userID, "count", n)
	return n, nil
}

// withRepo returns a copy of the manager bound to a different repository,
// letting the auth service create sessions inside a transaction.
func (m *SessionManager) withRepo(repo SessionRepo) *SessionManager {
	return &SessionManager{
		repo:     repo,
		tokens:   m.tokens,
		duration: m.duration,
		clock:    m.clock,
		logger:   m.logger,
	}
}
