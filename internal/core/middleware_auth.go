package core

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"limitter/internal/types"
)

// AuthMiddleware protects a route group with bearer-token authentication.
//
// It extracts the token from the Authorization header, resolves it to an
// Actor through the injected Authenticator, and stores the Actor in the
// request context. Failures return 401 with a distinct code: missing
// header, invalid token, or expired session.
//
// A nil Authenticator passes through, so handler tests can exercise routes
// without wiring auth.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		// AdminKeyMiddleware runs earlier in the chain; a request it
		// authenticated already carries a system actor.
		if _, ok := types.GetActor(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// extractBearerToken parses an Authorization header value of the form
// "Bearer <token>" (scheme case-insensitive per RFC 7235). Returns "" when
// the format does not match.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthSessionExpired:
			s.Logger.Warn("authentication failed: session expired",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthSessionExpired, "session has expired")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenMissing:
			s.Logger.Warn("authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "invalid authentication token")
			return
		}
	}

	// Unexpected failure: log it, never leak detail to the client.
	s.Logger.Error("authentication failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   message,
		RequestID: types.GetRequestID(r.Context()),
	}})
}

// RequireAdmin restricts a route group to admin actors. Admin standing is
// established either by AuthMiddleware resolving a user with the admin
// role, or by AdminKeyMiddleware validating the operational API key.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "authentication required")
			return
		}

		if actor.Type != types.ActorTypeAdmin && actor.Type != types.ActorTypeSystem {
			JSON(w, r, http.StatusForbidden, APIErrorResponse{Error: ErrorDetail{
				Code:      string(types.ErrCodePermissionAdminOnly),
				Message:   "admin access required",
				RequestID: types.GetRequestID(r.Context()),
			}})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AdminKeyMiddleware authenticates operational tooling via the X-Admin-Key
// header, compared in constant time against the configured admin API key.
// A valid key injects a system actor; otherwise the request continues
// unauthenticated and RequireAdmin rejects it downstream.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		configured := s.Config.Security.AdminAPIKey.Unmask()
		if key != "" && configured != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(configured)) == 1 {
			actor := types.Actor{ID: "admin-key", Type: types.ActorTypeSystem}
			r = r.WithContext(types.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
