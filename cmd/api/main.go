// Package main is the entry point for the Limitter API server.
//
// It loads configuration, opens the pgx connection pool, wires the domain
// services onto the core HTTP chassis, and serves until SIGINT/SIGTERM
// triggers a graceful drain.
//
// In local mode (APP_ENV=local) the Stripe client and CloudWatch metrics
// are replaced with stubs so the server runs without cloud credentials.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"limitter/internal/admin"
	"limitter/internal/api/handlers"
	"limitter/internal/auth"
	"limitter/internal/billing"
	"limitter/internal/config"
	"limitter/internal/core"
	"limitter/internal/db"
	"limitter/internal/external"
	"limitter/internal/overrides"
	"limitter/internal/sites"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can exit cleanly on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("limitter API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(startupCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolving service timezone: %w", err)
	}

	txRunner := db.NewTxManager(pool)
	registry := billing.NewStaticPlanRegistry()

	checkout, verifier := newStripeAdapters(cfg, logger)

	metrics, metricsClose, err := newMetrics(startupCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer metricsClose()

	// Domain services.
	sessions := auth.NewSessionManager(auth.SessionManagerConfig{
		Repo:     db.NewSessionRepository(pool),
		Duration: cfg.Auth.SessionTTL,
		Logger:   logger,
	})
	authSvc := auth.NewService(auth.ServiceConfig{
		DB:       pool,
		TxRunner: txRunner,
		Sessions: sessions,
		Logger:   logger,
	})
	siteSvc := sites.NewService(sites.ServiceConfig{
		DB:       pool,
		TxRunner: txRunner,
		Benefits: registry,
		Location: loc,
		Logger:   logger,
	})
	ledger := sites.NewLedger(sites.LedgerConfig{
		DB:       pool,
		TxRunner: txRunner,
		Location: loc,
		Logger:   logger,
	})
	engine := overrides.NewEngine(overrides.EngineConfig{
		DB:       pool,
		Benefits: registry,
		Location: loc,
		Logger:   logger,
	})
	overrideSvc := overrides.NewService(overrides.ServiceConfig{
		DB:       pool,
		TxRunner: txRunner,
		Benefits: registry,
		Location: loc,
		Logger:   logger,
	})
	billingSvc := billing.NewService(billing.ServiceConfig{
		DB:       pool,
		TxRunner: txRunner,
		Registry: registry,
		Checkout: checkout,
		Logger:   logger,
	})
	statsSvc := admin.NewStatsService(admin.StatsConfig{
		DB:       pool,
		TxRunner: txRunner,
		Logger:   logger,
	})
	userRepo := db.NewUserRepository(pool)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.Authenticator = handlers.NewAuthenticator(authSvc)
	srv.HealthProbes = []core.HealthProbe{poolProbe{pool: pool}}

	authHandler := handlers.NewAuthHandler(authSvc, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(verifier, billingSvc, logger)
	sitesHandler := handlers.NewSitesHandler(siteSvc, ledger, userRepo, srv.Validator, logger)
	overridesHandler := handlers.NewOverridesHandler(engine, overrideSvc, userRepo, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(billingSvc, db.NewTransactionRepo(pool), srv.Validator, logger, cfg.Server.DashboardURL)
	adminHandler := handlers.NewAdminHandler(overrideSvc, billingSvc, statsSvc, authSvc, db.NewAuditRepository(pool), srv.Validator, logger)

	srv.V1RouteRegistrars = []core.RouteRegistrar{
		// Public: signup/login and the Stripe webhook authenticate
		// themselves (credentials, signature), not via bearer tokens.
		func(r chi.Router) {
			authHandler.RegisterRoutes(r)
			webhookHandler.RegisterRoutes(r)
		},
		// Authenticated user surface.
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.AuthMiddleware)
				sitesHandler.RegisterRoutes(r)
				overridesHandler.RegisterRoutes(r)
				billingHandler.RegisterRoutes(r)
			})
		},
		// Operator surface.
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.AuthMiddleware)
				r.Use(srv.RequireAdmin)
				adminHandler.RegisterRoutes(r)
			})
		},
	}

	srv.MountRoutes()

	return serveHTTP(srv, cfg, logger)
}

// newStripeAdapters returns the checkout provider and webhook verifier for
// the environment. Local mode gets stubs so no Stripe account is needed.
func newStripeAdapters(cfg *config.Config, logger *slog.Logger) (billing.CheckoutProvider, handlers.WebhookVerifier) {
	if cfg.Environment == "local" {
		return external.NewStubCheckout(logger), external.NewStubVerifier(logger)
	}

	client := external.NewStripeClient(
		&http.Client{Timeout: 30 * time.Second},
		external.StripeClientConfig{Billing: cfg.Billing, Logger: logger},
	)
	return client, external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask())
}

// newMetrics returns the request metrics collector and its shutdown hook.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.MetricsCollector, func(), error) {
	if !cfg.Observability.EnableMetrics || cfg.Environment == "local" {
		return external.NoopMetrics{}, func() {}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Observability.AWSRegion),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}

	cw := external.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), external.CloudWatchMetricsConfig{
		Namespace: cfg.Observability.MetricNamespace,
		Logger:    logger,
	})
	return cw, cw.Close, nil
}

// poolProbe reports database health for GET /health.
type poolProbe struct {
	pool *pgxpool.Pool
}

func (p poolProbe) Name() string { return "database" }

func (p poolProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// serveHTTP runs the listener until a shutdown signal or server error, then
// drains in-flight requests with a 10-second deadline.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates the JSON slog logger for the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
