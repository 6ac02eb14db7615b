package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"limitter/internal/core"
	"limitter/internal/types"
)

// maxWebhookBodySize caps the webhook payload. Stripe events for this
// product are a few KB; anything larger is rejected before parsing.
const maxWebhookBodySize = 64 * 1024

// Stripe event types this handler routes. Everything else is acknowledged
// and ignored.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventPaymentFailed     = "invoice.payment_failed"
)

// errCodeInvalidWebhookPayload mirrors the chassis JSON-decode code for
// bodies this handler reads raw (signature check needs the exact bytes).
const errCodeInvalidWebhookPayload types.ErrorCode = "validation_invalid_json"

// WebhookVerifier checks the Stripe-Signature header against the raw body.
type WebhookVerifier interface {
	Verify(payload []byte, sigHeader string) error
}

// CheckoutConfirmer applies the billing consequences of verified events.
type CheckoutConfirmer interface {
	ConfirmCheckout(ctx context.Context, userID string, plan types.PlanTier, sessionID string) (*types.SubscriptionChange, error)
	MarkPaymentFailed(ctx context.Context, userID string) error
}

// StripeWebhookHandler receives Stripe events on a public, unauthenticated
// route. Authenticity comes from the signature check, not a bearer token.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	billing  CheckoutConfirmer
	logger   *slog.Logger
}

func NewStripeWebhookHandler(verifier WebhookVerifier, billing CheckoutConfirmer, l *slog.Logger) *StripeWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &StripeWebhookHandler{verifier: verifier, billing: billing, logger: l}
}

// RegisterRoutes mounts the webhook route. Must be registered outside the
// bearer-auth group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes POST /v1/webhooks/stripe.
//
// Signature failures return 400 so Stripe surfaces the misconfiguration.
// Processing failures after a valid signature return 200 anyway: Stripe
// retries non-2xx responses for days, and replaying an event whose handler
// is deterministic just repeats the failure. Failures are logged for
// operator follow-up instead.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(errCodeInvalidWebhookPayload, "unable to read webhook body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBadSignature, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader); err != nil {
		core.Error(w, r, err)
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(errCodeInvalidWebhookPayload, "malformed webhook payload", err))
		return
	}

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"received": event.ID}})
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeEvent) error {
	switch event.Type {
	case eventCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)
	case eventPaymentFailed:
		return h.handlePaymentFailed(ctx, event)
	default:
		h.logger.DebugContext(ctx, "ignoring webhook event", "event_type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted confirms the pending plan change for the user who
// completed hosted checkout.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeEvent) error {
	var session stripeCheckoutSession
	if err := event.unmarshalObject(&session); err != nil {
		return err
	}

	userID := session.Metadata["user_id"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	plan := types.PlanTier(session.Metadata["plan"])
	if userID == "" || !plan.Valid() {
		return types.NewAppErrorWithDetails(
			errCodeInvalidWebhookPayload,
			"checkout session is missing attribution metadata", nil,
			map[string]any{"event_id": event.ID},
		)
	}

	change, err := h.billing.ConfirmCheckout(ctx, userID, plan, session.ID)
	if err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "checkout confirmed",
		"event_id", event.ID,
		"user_id", userID,
		"plan", change.Plan,
	)
	return nil
}

// handlePaymentFailed flags the user's subscription as past due.
func (h *StripeWebhookHandler) handlePaymentFailed(ctx context.Context, event *stripeEvent) error {
	var invoice stripeInvoice
	if err := event.unmarshalObject(&invoice); err != nil {
		return err
	}

	userID := invoice.userID()
	if userID == "" {
		// Invoices from subscriptions created outside checkout carry no
		// attribution. Nothing to update.
		h.logger.WarnContext(ctx, "payment failure with no user attribution", "event_id", event.ID)
		return nil
	}

	return h.billing.MarkPaymentFailed(ctx, userID)
}

// stripeEvent is the minimal shape of a Stripe webhook event. Decoding only
// the routed fields keeps the handler independent of stripe-go's full event
// model.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (e *stripeEvent) unmarshalObject(dst any) error {
	if err := json.Unmarshal(e.Data.Object, dst); err != nil {
		return types.NewAppError(errCodeInvalidWebhookPayload, "malformed event data object", err)
	}
	return nil
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// userID resolves attribution from the subscription metadata propagated at
// checkout time, falling back to invoice-level metadata.
func (i *stripeInvoice) userID() string {
	if i.SubscriptionDetails != nil {
		if id := i.SubscriptionDetails.Metadata["user_id"]; id != "" {
			return id
		}
	}
	return i.Metadata["user_id"]
}
