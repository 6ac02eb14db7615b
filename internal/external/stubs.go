package external

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"limitter/internal/billing"
	"limitter/internal/core"
	"limitter/internal/types"
)

// Stub implementations let the service boot in local mode without Stripe or
// AWS credentials. They log every call and return predictable values.

var (
	_ billing.CheckoutProvider = (*StubCheckout)(nil)
	_ core.MetricsCollector    = (*NoopMetrics)(nil)
)

// StubCheckout implements billing.CheckoutProvider with a fake hosted
// checkout URL. Used when APP_ENV=local.
type StubCheckout struct {
	logger *slog.Logger
}

// NewStubCheckout creates a StubCheckout.
func NewStubCheckout(logger *slog.Logger) *StubCheckout {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubCheckout{logger: logger}
}

func (s *StubCheckout) CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	s.logger.InfoContext(ctx, "stub: CreateCheckoutSession called",
		"user_id", userID,
		"plan", plan,
	)
	return &types.CheckoutSession{
		ID:  fmt.Sprintf("cs_stub_%s", userID),
		URL: "https://checkout.stub.local/session",
	}, nil
}

// StubVerifier accepts every webhook payload. Used when APP_ENV=local so the
// webhook endpoint can be exercised with curl.
type StubVerifier struct {
	logger *slog.Logger
}

// NewStubVerifier creates a StubVerifier.
func NewStubVerifier(logger *slog.Logger) *StubVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubVerifier{logger: logger}
}

func (s *StubVerifier) Verify(payload []byte, sigHeader string) error {
	s.logger.Info("stub: webhook Verify called", "payload_len", len(payload))
	return nil
}

// NoopMetrics discards all telemetry. Used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {}
