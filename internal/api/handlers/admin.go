package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"limitter/internal/admin"
	"limitter/internal/core"
	"limitter/internal/types"
)

// OverrideGranter issues override credits to a user without a charge.
type OverrideGranter interface {
	AdminGrant(ctx context.Context, actorID, targetUserID string, quantity int, reason string) (*types.PurchaseResult, error)
}

// PlanChanger applies a plan change on behalf of an operator.
type PlanChanger interface {
	AdminChangePlan(ctx context.Context, actorID, targetUserID string, plan types.PlanTier) (*types.SubscriptionChange, error)
}

// StatsProvider reads and rebuilds the aggregate counters.
type StatsProvider interface {
	Snapshot(ctx context.Context) (*types.StatsSnapshot, error)
	Recalculate(ctx context.Context) (*admin.RecalcResult, error)
}

// EmailVerifier marks a user's email address as verified.
type EmailVerifier interface {
	VerifyEmail(ctx context.Context, userID string) error
}

// AuditReader lists the audit trail for one user.
type AuditReader interface {
	ListByTarget(ctx context.Context, targetUserID string, limit int) ([]*types.AuditEntry, error)
}

// GrantOverridesRequest is the request body for
// POST /v1/admin/users/{id}/overrides/grant.
type GrantOverridesRequest struct {
	Quantity int    `json:"quantity" validate:"required,quantity"`
	Reason   string `json:"reason" validate:"required,max=200"`
}

// ChangePlanRequest is the request body for PUT /v1/admin/users/{id}/plan.
type ChangePlanRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,plan"`
}

// AdminHandler serves the operator endpoints. Every route here is mounted
// behind RequireAdmin; the handler still reads the actor for audit
// attribution.
type AdminHandler struct {
	overrides OverrideGranter
	billing   PlanChanger
	stats     StatsProvider
	verifier  EmailVerifier
	audit     AuditReader
	validator *core.Validator
	logger    *slog.Logger
}

func NewAdminHandler(
	overrides OverrideGranter,
	billing PlanChanger,
	stats StatsProvider,
	verifier EmailVerifier,
	audit AuditReader,
	v *core.Validator,
	l *slog.Logger,
) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{
		overrides: overrides,
		billing:   billing,
		stats:     stats,
		verifier:  verifier,
		audit:     audit,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts admin routes on the provided chi.Router. The caller
// wraps this group with the admin authorization middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Post("/overrides/grant", h.GrantOverrides)
			r.Put("/plan", h.ChangePlan)
			r.Post("/verify-email", h.VerifyEmail)
			r.Get("/audit", h.AuditTrail)
		})
		r.Route("/stats", func(r chi.Router) {
			r.Get("/", h.Stats)
			r.Post("/recalculate", h.Recalculate)
		})
	})
}

// GrantOverrides handles POST /v1/admin/users/{id}/overrides/grant.
func (h *AdminHandler) GrantOverrides(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req GrantOverridesRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	targetID := chi.URLParam(r, "id")
	result, err := h.overrides.AdminGrant(r.Context(), actor.ID, targetID, req.Quantity, req.Reason)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// ChangePlan handles PUT /v1/admin/users/{id}/plan. Unlike the self-serve
// path, no payment reference is required; the change is audit-logged.
func (h *AdminHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	targetID := chi.URLParam(r, "id")
	change, err := h.billing.AdminChangePlan(r.Context(), actor.ID, targetID, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: change})
}

// VerifyEmail handles POST /v1/admin/users/{id}/verify-email. Support tool
// for users whose verification mail never arrived.
func (h *AdminHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	if err := h.verifier.VerifyEmail(r.Context(), targetID); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AuditTrail handles GET /v1/admin/users/{id}/audit. Returns the most
// recent administrative actions affecting the user, newest first.
func (h *AdminHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 200 {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField, "limit must be a number between 1 and 200", nil,
				map[string]any{"field": "limit"},
			))
			return
		}
		limit = parsed
	}

	entries, err := h.audit.ListByTarget(r.Context(), targetID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.AuditEntry{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// Stats handles GET /v1/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.stats.Snapshot(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snapshot})
}

// Recalculate handles POST /v1/admin/stats/recalculate. Rebuilds the
// counters from a full table scan and reports any drift it repaired.
func (h *AdminHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	result, err := h.stats.Recalculate(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}
