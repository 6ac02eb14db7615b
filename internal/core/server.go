// Package core provides the API chassis for the Limitter backend: the chi
// router, the middleware chain, the JSON response envelope, and request
// validation. It enforces cross-cutting concerns (security headers, logging,
// metrics, authentication) before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"limitter/internal/config"
	"limitter/internal/types"
)

// Authenticator resolves a bearer token to the acting user. It decouples the
// HTTP layer from session storage so middleware tests can inject a mock.
//
// Implementations return ErrCodeAuthTokenInvalid for unknown or malformed
// tokens and ErrCodeAuthSessionExpired for sessions past their expiry.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records API telemetry. The production implementation
// ships to CloudWatch; a nil collector disables recording.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of domain handler routes onto the versioned
// router. Populated by the application entry point; the indirection avoids
// an import cycle between core and the handler packages.
type RouteRegistrar func(r chi.Router)

// Server bundles the router with every cross-cutting dependency so tests
// can construct it with exactly the fakes they need.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator

	// HealthProbes are checked concurrently by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares the router.
// Routes are mounted separately (MountRoutes) so tests can customize
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-held resources after the HTTP listener has
// drained. The database pool is owned by main and closed there.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
