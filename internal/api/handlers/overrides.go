package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"limitter/internal/core"
	"limitter/internal/types"
)

// OverrideChecker answers eligibility questions without consuming anything.
type OverrideChecker interface {
	CheckEligibility(ctx context.Context, user *types.User, domain string) (*types.OverrideDecision, error)
}

// OverrideService consumes and purchases override credits.
type OverrideService interface {
	ProcessOverride(ctx context.Context, user *types.User, domain string, payment *types.PaymentData) (*types.OverrideResult, error)
	PurchaseOverrides(ctx context.Context, user *types.User, quantity int, payment *types.PaymentData) (*types.PurchaseResult, error)
}

// UseOverrideRequest is the request body for POST /v1/overrides/use.
// Payment is only consulted when the user has no free or purchased
// overrides left and falls through to the one-off charge.
type UseOverrideRequest struct {
	Site    string             `json:"site" validate:"required,max=253"`
	Payment *types.PaymentData `json:"payment,omitempty"`
}

// PurchaseOverridesRequest is the request body for POST /v1/overrides/purchase.
type PurchaseOverridesRequest struct {
	Quantity int                `json:"quantity" validate:"required,quantity"`
	Payment  *types.PaymentData `json:"payment" validate:"required"`
}

// OverridesHandler serves the override economy endpoints.
type OverridesHandler struct {
	checker   OverrideChecker
	svc       OverrideService
	users     UserLoader
	validator *core.Validator
	logger    *slog.Logger
}

func NewOverridesHandler(checker OverrideChecker, svc OverrideService, users UserLoader, v *core.Validator, l *slog.Logger) *OverridesHandler {
	if l == nil {
		l = slog.Default()
	}
	return &OverridesHandler{checker: checker, svc: svc, users: users, validator: v, logger: l}
}

// RegisterRoutes mounts override routes on the provided chi.Router.
func (h *OverridesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/overrides", func(r chi.Router) {
		r.Get("/eligibility", h.Eligibility)
		r.Post("/use", h.Use)
		r.Post("/purchase", h.Purchase)
	})
}

// Eligibility handles GET /v1/overrides/eligibility?site=<domain>.
// Read-only: reports whether an override would be granted and what it
// would cost, without consuming anything.
func (h *OverridesHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	site := r.URL.Query().Get("site")
	if site == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField, "site query parameter is required", nil,
			map[string]any{"field": "site"},
		))
		return
	}

	user, err := h.users.GetByID(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.checker.CheckEligibility(r.Context(), user, site)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

// Use handles POST /v1/overrides/use. Consumes the cheapest available
// source: elite grant, pro free allowance, purchased credits, then a
// one-off charge if payment data is attached.
func (h *OverridesHandler) Use(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req UseOverrideRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.users.GetByID(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.svc.ProcessOverride(r.Context(), user, req.Site, req.Payment)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Purchase handles POST /v1/overrides/purchase.
func (h *OverridesHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req PurchaseOverridesRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.users.GetByID(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.svc.PurchaseOverrides(r.Context(), user, req.Quantity, req.Payment)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: result})
}
