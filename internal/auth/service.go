// Package auth implements email/password authentication and opaque bearer
// sessions for the Limitter API.
package auth

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"limitter/internal/db"
	"limitter/internal/types"
)

// bcryptCost is the bcrypt cost factor used for password hashing.
const bcryptCost = 12

// PasswordHasher abstracts bcrypt operations for testability.
type PasswordHasher interface {
	CompareHashAndPassword(hashedPassword, password string) error
	GenerateFromPassword(password string) (string, error)
}

// bcryptHasher is the production implementation of PasswordHasher.
type bcryptHasher struct{}

func (bcryptHasher) CompareHashAndPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func (bcryptHasher) GenerateFromPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Service handles signup, login, and logout. Session issuance is delegated
// to the SessionManager; account rows, balance seeds, and global counters
// are written through the shared db repositories.
type Service struct {
	db       db.DBTX
	tx       db.TxRunner
	sessions *SessionManager
	hasher   PasswordHasher
	clock    types.Clock
	logger   *slog.Logger
}

// ServiceConfig holds the dependencies for creating a Service.
type ServiceConfig struct {
	DB       db.DBTX
	TxRunner db.TxRunner
	Sessions *SessionManager
	Hasher   PasswordHasher
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewService creates a Service. Nil Hasher, Clock, and Logger default to
// the production bcrypt hasher, RealClock, and slog.Default().
func NewService(cfg ServiceConfig) *Service {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = bcryptHasher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       cfg.DB,
		tx:       cfg.TxRunner,
		sessions: cfg.Sessions,
		hasher:   hasher,
		clock:    clock,
		logger:   logger,
	}
}

// Signup registers a new account on the free plan. The user row, a zeroed
// override balance, and the global counters are written in one transaction
// so a half-created account can never exist. Returns ErrCodeConflictEmail
// when the address is already registered.
func (s *Service) Signup(ctx context.Context, email, password, name string) (*types.User, error) {
	email = CanonicalizeEmail(email)

	passwordHash, err := s.hasher.GenerateFromPassword(password)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	user := &types.User{
		ID:                 uuid.NewString(),
		Email:              email,
		Name:               name,
		PasswordHash:       passwordHash,
		EmailVerified:      false,
		Plan:               types.PlanFree,
		Role:               types.RoleMember,
		SubscriptionStatus: types.SubStatusActive,
	}

	err = s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		if err := db.NewUserRepository(tx).Create(ctx, user); err != nil {
			return err
		}
		if _, err := db.NewOverrideBalanceRepo(tx).GetOrCreate(ctx, user.ID); err != nil {
			return err
		}
		return db.NewAdminStatsRepo(tx).IncrementAll(ctx, map[string]int64{
			db.StatTotalUsers:                          1,
			db.StatPlanPrefix + string(types.PlanFree): 1,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user signed up",
		"user_id", user.ID,
		"email", email,
	)
	return user, nil
}

// Login verifies credentials and issues a session.
//
// Unknown emails and wrong passwords both return ErrCodeAuthInvalidCreds so
// the endpoint cannot be used to enumerate accounts. Unverified accounts
// are refused with ErrCodeAuthEmailNotVerified after the password check, so
// the verification state leaks only to someone who already holds the
// password. Returns the user, the session, and the raw bearer token.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (*types.User, *types.Session, string, error) {
	email = CanonicalizeEmail(email)

	user, err := db.NewUserRepository(s.db).GetByEmail(ctx, email)
	if err != nil {
		if appErr, ok := err.(*types.AppError); ok && appErr.Code == types.ErrCodeNotFoundUser {
			return nil, nil, "", types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
		}
		return nil, nil, "", err
	}

	if err := s.hasher.CompareHashAndPassword(user.PasswordHash, password); err != nil {
		return nil, nil, "", types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
	}

	if !user.EmailVerified {
		return nil, nil, "", types.NewAppError(types.ErrCodeAuthEmailNotVerified, "email address not verified", nil)
	}

	session, token, err := s.sessions.Create(ctx, user.ID, userAgent, ip)
	if err != nil {
		return nil, nil, "", err
	}

	// Lazy cleanup; a failure here never blocks the login.
	if _, err := s.sessions.repo.DeleteExpired(ctx); err != nil {
		s.logger.Warn("failed to clean expired sessions during login", "error", err)
	}

	s.logger.Info("user logged in",
		"user_id", user.ID,
		"email", email,
	)
	return user, session, token, nil
}

// Validate resolves a raw bearer token to its session and user. Used by
// the authentication middleware on every protected request.
func (s *Service) Validate(ctx context.Context, token string) (*types.User, *types.Session, error) {
	session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	user, err := db.NewUserRepository(s.db).GetByID(ctx, session.UserID)
	if err != nil {
		// The user was deleted out from under a live session.
		if appErr, ok := err.(*types.AppError); ok && appErr.Code == types.ErrCodeNotFoundUser {
			return nil, nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session user no longer exists", nil)
		}
		return nil, nil, err
	}
	return user, session, nil
}

// Logout revokes the session behind the raw bearer token. Idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

// VerifyEmail marks the account's email address as verified. The
// verification link flow itself (mail delivery, signed links) lives
// outside this service; this is the state transition it lands on.
func (s *Service) VerifyEmail(ctx context.Context, userID string) error {
	if err := db.NewUserRepository(s.db).SetEmailVerified(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("email verified", "user_id", userID)
	return nil
}
