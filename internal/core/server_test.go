package core

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitter/internal/config"
)

func TestNewServer_NilConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewServer(nil, logger)
	require.Error(t, err)
}

func TestNewServer_NilLogger(t *testing.T) {
	_, err := NewServer(&config.Config{}, nil)
	require.Error(t, err)
}

func TestMountRoutes_Health(t *testing.T) {
	s := newTestServer(t)
	s.MountRoutes()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMountRoutes_V1Registrars(t *testing.T) {
	s := newTestServer(t)
	s.V1RouteRegistrars = []RouteRegistrar{
		func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"pong":true}`))
			})
		},
	}
	s.MountRoutes()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Unregistered paths 404 through the middleware chain without panics.
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMountRoutes_PanicInHandlerIsRecovered(t *testing.T) {
	s := newTestServer(t)
	s.V1RouteRegistrars = []RouteRegistrar{
		func(r chi.Router) {
			r.Get("/boom", func(w http.ResponseWriter, req *http.Request) {
				panic("handler exploded")
			})
		},
	}
	s.MountRoutes()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "handler exploded")
}

func TestShutdown(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown(context.Background()))
}
