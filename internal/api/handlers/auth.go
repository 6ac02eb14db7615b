// Package handlers contains the HTTP handlers for the Limitter v1 API.
// Each domain gets one handler struct that depends on narrow, locally
// declared service interfaces and mounts its own routes via RegisterRoutes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"limitter/internal/core"
	"limitter/internal/types"
)

// AuthService is the slice of the auth service the handler consumes.
type AuthService interface {
	Signup(ctx context.Context, email, password, name string) (*types.User, error)
	Login(ctx context.Context, email, password, userAgent, ip string) (*types.User, *types.Session, string, error)
	Logout(ctx context.Context, token string) error
}

// SignupRequest is the request body for POST /v1/auth/signup.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=200"`
}

// LoginRequest is the request body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse returns the bearer token alongside the authenticated user.
// The raw token is only ever visible in this response; storage keeps a hash.
type LoginResponse struct {
	User      *types.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// AuthHandler serves signup, login, and logout. Signup and login are public
// routes; logout requires a bearer token but resolves it directly rather
// than through the auth middleware, so an expired session can still log out.
type AuthHandler struct {
	svc       AuthService
	validator *core.Validator
	logger    *slog.Logger
}

func NewAuthHandler(svc AuthService, v *core.Validator, l *slog.Logger) *AuthHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AuthHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts auth routes on the provided chi.Router.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})
}

// Signup handles POST /v1/auth/signup.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.svc.Signup(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: user})
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, session, token, err := h.svc.Login(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: LoginResponse{
		User:      user,
		Token:     token,
		ExpiresAt: session.ExpiresAt,
	}})
}

// Logout handles POST /v1/auth/logout. Revoking an already-revoked or
// unknown token still returns 204 so clients can always clear local state.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "missing bearer token", nil))
		return
	}

	if err := h.svc.Logout(r.Context(), token); err != nil {
		h.logger.WarnContext(r.Context(), "logout failed", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// clientIP returns the originating address, preferring the load balancer's
// X-Forwarded-For header over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// SessionValidator resolves a raw bearer token to a live user session.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*types.User, *types.Session, error)
}

// Authenticator adapts the auth service to the core.Authenticator contract
// used by the bearer-token middleware.
type Authenticator struct {
	sessions SessionValidator
}

var _ core.Authenticator = (*Authenticator)(nil)

func NewAuthenticator(sessions SessionValidator) *Authenticator {
	return &Authenticator{sessions: sessions}
}

// ResolveToken validates the session token and maps the user onto the
// request actor. Admin users become admin actors; everyone else is a user.
func (a *Authenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	user, _, err := a.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	actorType := types.ActorTypeUser
	if user.Role == types.RoleAdmin {
		actorType = types.ActorTypeAdmin
	}
	return &types.Actor{
		ID:    user.ID,
		Type:  actorType,
		Email: user.Email,
		Plan:  user.Plan,
	}, nil
}
