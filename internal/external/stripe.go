package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"limitter/internal/billing"
	"limitter/internal/config"
	"limitter/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the production Stripe endpoint. Tests point BaseURL at an
// httptest server instead.
const stripeAPIBase = "https://api.stripe.com"

var _ billing.CheckoutProvider = (*StripeClient)(nil)

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	Billing config.BillingConfig
	BaseURL string // override for tests; defaults to stripeAPIBase
	Logger  *slog.Logger
}

// StripeClient creates hosted Checkout sessions by calling the Stripe REST
// API directly through BaseClient, so subscription checkout shares the
// platform's circuit breaker, retry, and error-mapping behavior and stays
// testable with httptest.
type StripeClient struct {
	base    *BaseClient
	cfg     config.BillingConfig
	baseURL string
	logger  *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient should carry a
// request timeout; Stripe recommends staying under 20 seconds.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second},
		"Limitter/1.0",
		opts...,
	)

	return &StripeClient{
		base:    base,
		cfg:     cfg.Billing,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// CreateCheckoutSession opens a subscription Checkout session for a paid
// plan. The user ID rides along as client_reference_id and metadata so the
// webhook can attribute the completed session without any customer record
// on our side.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	priceID, err := s.priceForPlan(plan)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[plan]", string(plan))
	// Propagate attribution onto the subscription so later invoice events
	// (payment failures in particular) can be mapped back to the user.
	params.Set("subscription_data[metadata][user_id]", userID)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session types.CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response", err)
	}
	return &session, nil
}

// priceForPlan resolves the configured Stripe price for a paid tier. The
// free tier has no price and never reaches Stripe.
func (s *StripeClient) priceForPlan(plan types.PlanTier) (string, error) {
	var priceID string
	switch plan {
	case types.PlanPro:
		priceID = s.cfg.ProPriceID
	case types.PlanElite:
		priceID = s.cfg.ElitePriceID
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q has no checkout price", plan), nil)
	}
	if priceID == "" {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("no Stripe price configured for plan %q", plan), nil)
	}
	return priceID, nil
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.cfg.StripeSecretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

// stripeErrorResponse is the JSON error envelope Stripe returns on non-2xx.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// handleErrorResponse maps a Stripe error body to a domain error. Card
// declines surface as payment_declined with the decline code in the details;
// everything else maps by status.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with an unreadable body", operation, resp.StatusCode), readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with a non-JSON body", operation, resp.StatusCode), jsonErr)
	}

	e := stripeErr.Error
	if e.Code == "card_declined" || e.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, e.Message), nil,
			map[string]any{
				"stripe_code":  e.Code,
				"decline_code": e.DeclineCode,
			})
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, e.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, e.Message), nil)
	}
}

// StripeVerifier checks Stripe webhook signatures (HMAC-SHA256 with
// timestamp tolerance) using the official SDK's validation.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier bound to the webhook signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify validates the raw payload against the Stripe-Signature header.
// A non-nil return means the payload must be rejected.
func (v *StripeVerifier) Verify(payload []byte, sigHeader string) error {
	if err := webhook.ValidatePayload(payload, sigHeader, v.secret); err != nil {
		return types.NewAppError(types.ErrCodeValidationBadSignature,
			"webhook signature verification failed", err)
	}
	return nil
}
