// Package config defines the global configuration structure for the Limitter
// backend. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup.
package config

import (
	"time"

	"limitter/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the Limitter backend.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"limitter-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Billing       BillingConfig
	Overrides     OverridesConfig
	Auth          AuthConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for checkout redirects (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.limitter.app
	DashboardURL   string `envconfig:"DASHBOARD_URL" validate:"required,url"`    // e.g., https://app.limitter.app

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// Timezone governs the "local day" used for daily resets and the
	// blocked_until midnight boundary. IANA name, e.g. "America/New_York".
	Timezone string `envconfig:"SERVICE_TIMEZONE" default:"UTC"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// BillingConfig holds Stripe payment integration credentials and the price
// identifiers for the paid tiers.
type BillingConfig struct {
	StripeSecretKey      SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret  SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripePublishableKey string       `envconfig:"STRIPE_PUBLISHABLE_KEY" validate:"required"`

	ProPriceID   string `envconfig:"STRIPE_PRICE_PRO" validate:"required"`
	ElitePriceID string `envconfig:"STRIPE_PRICE_ELITE" validate:"required"`
}

// OverridesConfig holds the override economy parameters. Defaults match the
// published pricing; env overrides exist for test environments.
type OverridesConfig struct {
	PriceCents        int64 `envconfig:"OVERRIDE_PRICE_CENTS" default:"199"`
	ProMonthlyQuota   int   `envconfig:"OVERRIDE_PRO_MONTHLY_QUOTA" default:"15"`
	EliteMonthlyGrant int   `envconfig:"OVERRIDE_ELITE_MONTHLY_GRANT" default:"200"`
}

// AuthConfig holds session management secrets and password hashing cost.
type AuthConfig struct {
	SessionKey SecretString  `envconfig:"SESSION_KEY" validate:"required,min=32"`
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"720h"`
	BcryptCost int           `envconfig:"BCRYPT_COST" default:"10"`
}

// SecurityConfig holds security-related configuration including admin access
// and CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Limitter"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
