package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"limitter/internal/billing"
	"limitter/internal/core"
	"limitter/internal/types"
)

// SubscriptionService is the slice of the billing service this handler uses.
type SubscriptionService interface {
	UpdateSubscription(ctx context.Context, userID string, req billing.UpdateSubscriptionRequest) (*types.SubscriptionChange, error)
	CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error)
}

// TransactionLister reads the immutable ledger for the history endpoint.
type TransactionLister interface {
	List(ctx context.Context, filter types.TransactionFilter) ([]*types.Transaction, types.PageInfo, error)
}

// CheckoutSessionRequest is the request body for POST /v1/billing/checkout-session.
// Redirect URLs default to the dashboard billing page when omitted.
type CheckoutSessionRequest struct {
	Plan       types.PlanTier `json:"plan" validate:"required,plan"`
	SuccessURL string         `json:"success_url,omitempty" validate:"omitempty,url,max=2000"`
	CancelURL  string         `json:"cancel_url,omitempty" validate:"omitempty,url,max=2000"`
}

// BillingHandler serves subscription changes and hosted checkout.
type BillingHandler struct {
	svc          SubscriptionService
	ledger       TransactionLister
	validator    *core.Validator
	logger       *slog.Logger
	dashboardURL string
}

func NewBillingHandler(svc SubscriptionService, ledger TransactionLister, v *core.Validator, l *slog.Logger, dashboardURL string) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		svc:          svc,
		ledger:       ledger,
		validator:    v,
		logger:       l,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
	}
}

// RegisterRoutes mounts billing routes on the provided chi.Router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Put("/subscription", h.UpdateSubscription)
		r.Post("/checkout-session", h.CreateCheckoutSession)
		r.Get("/transactions", h.ListTransactions)
	})
}

// UpdateSubscription handles PUT /v1/billing/subscription. Downgrades to
// free take effect immediately; upgrades require an attached payment
// reference and are charged before the plan flips.
func (h *BillingHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req billing.UpdateSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	change, err := h.svc.UpdateSubscription(r.Context(), actor.ID, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: change})
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session. The
// session URL hosts Stripe checkout; the plan change itself lands later via
// the checkout.session.completed webhook.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req CheckoutSessionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	urls := types.RedirectURLs{
		Success: req.SuccessURL,
		Cancel:  req.CancelURL,
	}
	if urls.Success == "" {
		urls.Success = h.dashboardURL + "/billing?checkout=success"
	}
	if urls.Cancel == "" {
		urls.Cancel = h.dashboardURL + "/billing?checkout=cancelled"
	}

	session, err := h.svc.CreateCheckoutSession(r.Context(), actor.ID, req.Plan, urls)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: session})
}

// ListTransactions handles GET /v1/billing/transactions. Entries come back
// newest-first; the cursor in the pagination meta pages further into history.
func (h *BillingHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	filter := types.TransactionFilter{
		UserID: actor.ID,
		Type:   types.TransactionType(r.URL.Query().Get("type")),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 100 {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField, "limit must be a number between 1 and 100", nil,
				map[string]any{"field": "limit"},
			))
			return
		}
		filter.Limit = limit
	}

	items, pageInfo, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if items == nil {
		items = []*types.Transaction{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: items,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}
