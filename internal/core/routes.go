package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout applies when the config does not specify one.
const defaultRequestTimeout = 30 * time.Second

// MountRoutes registers the global middleware chain, the /v1 handler
// groups, and the public health endpoint.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Route("/v1", s.mountV1)
	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in strict order:
//
//  1. Recoverer       - outermost, catches every downstream panic
//  2. ContextTimeout  - soft deadline on the request context
//  3. RequestID       - correlation ID for logs and responses
//  4. SecurityHeaders - present on all responses, errors included
//  5. RequestLogger   - structured request logging
//  6. CORS            - browser access control, preflight handling
//  7. Metrics         - latency and count recording
//  8. AdminKey        - upgrades operational-key requests to system actors
//
// Bearer authentication is applied per route group by the registrars, so
// public endpoints (signup, login, webhooks, health) skip it entirely.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(s.AdminKeyMiddleware)
}

func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}
