package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitter/internal/core"
	"limitter/internal/types"
)

type mockAuthService struct {
	signupFn func(ctx context.Context, email, password, name string) (*types.User, error)
	loginFn  func(ctx context.Context, email, password, userAgent, ip string) (*types.User, *types.Session, string, error)
	logoutFn func(ctx context.Context, token string) error

	logoutTokens []string
}

func (m *mockAuthService) Signup(ctx context.Context, email, password, name string) (*types.User, error) {
	if m.signupFn != nil {
		return m.signupFn(ctx, email, password, name)
	}
	return &types.User{ID: "user-1", Email: email, Name: name, Plan: types.PlanFree}, nil
}

func (m *mockAuthService) Login(ctx context.Context, email, password, userAgent, ip string) (*types.User, *types.Session, string, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password, userAgent, ip)
	}
	user := &types.User{ID: "user-1", Email: email, Plan: types.PlanFree}
	session := &types.Session{UserID: "user-1", ExpiresAt: time.Now().Add(24 * time.Hour).UTC()}
	return user, session, "tok_raw", nil
}

func (m *mockAuthService) Logout(ctx context.Context, token string) error {
	m.logoutTokens = append(m.logoutTokens, token)
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuthHandler() (*AuthHandler, *mockAuthService) {
	svc := &mockAuthService{}
	return NewAuthHandler(svc, core.NewValidator(), discardLogger()), svc
}

func TestAuthHandler_Signup(t *testing.T) {
	handler, _ := newTestAuthHandler()

	body, err := json.Marshal(SignupRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
		Name:     "Alice",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signup", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Signup(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Data types.User `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "alice@example.com", resp.Data.Email)
	assert.Equal(t, types.PlanFree, resp.Data.Plan)
}

func TestAuthHandler_Signup_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body SignupRequest
	}{
		{"missing email", SignupRequest{Password: "longenoughpass"}},
		{"malformed email", SignupRequest{Email: "not-an-email", Password: "longenoughpass"}},
		{"short password", SignupRequest{Email: "a@b.com", Password: "short"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestAuthHandler()

			body, err := json.Marshal(tt.body)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/v1/auth/signup", bytes.NewReader(body))
			rr := httptest.NewRecorder()
			handler.Signup(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestAuthHandler_Signup_DuplicateEmail(t *testing.T) {
	handler, svc := newTestAuthHandler()
	svc.signupFn = func(ctx context.Context, email, password, name string) (*types.User, error) {
		return nil, types.NewAppError(types.ErrCodeConflictEmail, "email already registered", nil)
	}

	body, _ := json.Marshal(SignupRequest{Email: "dupe@example.com", Password: "longenoughpass"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signup", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Signup(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), string(types.ErrCodeConflictEmail))
}

func TestAuthHandler_Login(t *testing.T) {
	handler, svc := newTestAuthHandler()

	var gotUA, gotIP string
	svc.loginFn = func(ctx context.Context, email, password, userAgent, ip string) (*types.User, *types.Session, string, error) {
		gotUA, gotIP = userAgent, ip
		return &types.User{ID: "user-1", Email: email},
			&types.Session{UserID: "user-1", ExpiresAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
			"tok_abc123", nil
	}

	body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "pw"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("User-Agent", "LimitterExtension/2.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rr := httptest.NewRecorder()
	handler.Login(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "LimitterExtension/2.1", gotUA)
	assert.Equal(t, "203.0.113.7", gotIP)

	var resp struct {
		Data LoginResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "tok_abc123", resp.Data.Token)
	assert.Equal(t, "user-1", resp.Data.User.ID)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), resp.Data.ExpiresAt)
}

func TestAuthHandler_Login_BadCredentials(t *testing.T) {
	handler, svc := newTestAuthHandler()
	svc.loginFn = func(ctx context.Context, email, password, userAgent, ip string) (*types.User, *types.Session, string, error) {
		return nil, nil, "", types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
	}

	body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Login(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthHandler_Logout(t *testing.T) {
	handler, svc := newTestAuthHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer tok_abc123")
	rr := httptest.NewRecorder()
	handler.Logout(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, svc.logoutTokens, 1)
	assert.Equal(t, "tok_abc123", svc.logoutTokens[0])
}

func TestAuthHandler_Logout_MissingToken(t *testing.T) {
	handler, svc := newTestAuthHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	rr := httptest.NewRecorder()
	handler.Logout(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, svc.logoutTokens)
}

func TestAuthHandler_Logout_RevokeFailureStillSucceeds(t *testing.T) {
	handler, svc := newTestAuthHandler()
	svc.logoutFn = func(ctx context.Context, token string) error {
		return types.NewAppError(types.ErrCodeInternalDB, "session delete failed", nil)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer tok_abc123")
	rr := httptest.NewRecorder()
	handler.Logout(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
}

type mockSessionValidator struct {
	validateFn func(ctx context.Context, token string) (*types.User, *types.Session, error)
}

func (m *mockSessionValidator) Validate(ctx context.Context, token string) (*types.User, *types.Session, error) {
	return m.validateFn(ctx, token)
}

func TestAuthenticator_ResolveToken(t *testing.T) {
	auth := NewAuthenticator(&mockSessionValidator{
		validateFn: func(ctx context.Context, token string) (*types.User, *types.Session, error) {
			require.Equal(t, "tok_abc", token)
			return &types.User{ID: "user-1", Email: "alice@example.com", Role: types.RoleMember, Plan: types.PlanPro}, &types.Session{}, nil
		},
	})

	actor, err := auth.ResolveToken(context.Background(), "tok_abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", actor.ID)
	assert.Equal(t, types.ActorTypeUser, actor.Type)
	assert.Equal(t, "alice@example.com", actor.Email)
	assert.Equal(t, types.PlanPro, actor.Plan)
}

func TestAuthenticator_ResolveToken_Admin(t *testing.T) {
	auth := NewAuthenticator(&mockSessionValidator{
		validateFn: func(ctx context.Context, token string) (*types.User, *types.Session, error) {
			return &types.User{ID: "admin-1", Role: types.RoleAdmin}, &types.Session{}, nil
		},
	})

	actor, err := auth.ResolveToken(context.Background(), "tok_admin")
	require.NoError(t, err)
	assert.Equal(t, types.ActorTypeAdmin, actor.Type)
}

func TestAuthenticator_ResolveToken_Expired(t *testing.T) {
	auth := NewAuthenticator(&mockSessionValidator{
		validateFn: func(ctx context.Context, token string) (*types.User, *types.Session, error) {
			return nil, nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session expired", nil)
		},
	})

	actor, err := auth.ResolveToken(context.Background(), "tok_old")
	assert.Nil(t, actor)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeAuthSessionExpired, appErr.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer tok_abc", "tok_abc"},
		{"bearer tok_abc", "tok_abc"},
		{"Bearer  tok_abc ", "tok_abc"},
		{"Basic dXNlcjpwdw==", ""},
		{"Bearer", ""},
		{"", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(req), "header %q", tt.header)
	}
}

func TestClientIP_RemoteAddrFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "198.51.100.4:52011"
	assert.Equal(t, "198.51.100.4", clientIP(req))
}

func TestAuthHandler_Signup_RejectsUnknownFields(t *testing.T) {
	handler, _ := newTestAuthHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signup",
		strings.NewReader(`{"email":"a@b.com","password":"longenoughpass","role":"admin"}`))
	rr := httptest.NewRecorder()
	handler.Signup(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
