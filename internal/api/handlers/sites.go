package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"limitter/internal/core"
	"limitter/internal/sites"
	"limitter/internal/types"
)

// SiteManager covers site registration and removal.
type SiteManager interface {
	AddSite(ctx context.Context, user *types.User, req sites.AddSiteRequest) (*types.Site, error)
	RemoveSite(ctx context.Context, userID, domain string) error
}

// SiteLedger covers daily usage tracking against site budgets.
type SiteLedger interface {
	RecordTimeSpent(ctx context.Context, userID, domain string, seconds int) (*types.TrackResult, error)
	GetSitesTimeStatus(ctx context.Context, userID string) ([]*types.SiteStatus, error)
	ResetDailyTimes(ctx context.Context, userID string) (int, error)
}

// UserLoader fetches the full user record behind the request actor.
// Handlers need plan benefits and counters the lightweight actor omits.
type UserLoader interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// TrackRequest is the request body for POST /v1/sites/{domain}/track.
// Extensions report elapsed seconds in small increments; anything above an
// hour in one report is rejected as a client bug.
type TrackRequest struct {
	Seconds int `json:"seconds" validate:"required,min=1,max=3600"`
}

// ResetDailyResponse reports how many site counters were reset.
type ResetDailyResponse struct {
	SitesReset int `json:"sites_reset"`
}

// SitesHandler serves tracked-site management and time tracking.
type SitesHandler struct {
	manager   SiteManager
	ledger    SiteLedger
	users     UserLoader
	validator *core.Validator
	logger    *slog.Logger
}

func NewSitesHandler(manager SiteManager, ledger SiteLedger, users UserLoader, v *core.Validator, l *slog.Logger) *SitesHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SitesHandler{manager: manager, ledger: ledger, users: users, validator: v, logger: l}
}

// RegisterRoutes mounts site routes on the provided chi.Router.
func (h *SitesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sites", func(r chi.Router) {
		r.Post("/", h.Add)
		r.Get("/status", h.Status)
		r.Post("/reset-daily", h.ResetDaily)

		r.Route("/{domain}", func(r chi.Router) {
			r.Delete("/", h.Remove)
			r.Post("/track", h.Track)
		})
	})
}

// Add handles POST /v1/sites.
func (h *SitesHandler) Add(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req sites.AddSiteRequest
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

	site, err := h.manager.AddSite(r.Context(), user, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: site})
}

// Remove handles DELETE /v1/sites/{domain}.
func (h *SitesHandler) Remove(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	domain := chi.URLParam(r, "domain")
	if err := h.manager.RemoveSite(r.Context(), actor.ID, domain); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/sites/status. Returns every active site with its
// remaining budget and block state for today.
func (h *SitesHandler) Status(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	statuses, err := h.ledger.GetSitesTimeStatus(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: statuses})
}

// Track handles POST /v1/sites/{domain}/track.
func (h *SitesHandler) Track(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	var req TrackRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	domain := chi.URLParam(r, "domain")
	result, err := h.ledger.RecordTimeSpent(r.Context(), actor.ID, domain, req.Seconds)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// ResetDaily handles POST /v1/sites/reset-daily. Normally the extension
// resets implicitly at local midnight; this endpoint forces it, for clients
// recovering from clock skew.
func (h *SitesHandler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "request is not authenticated", nil))
		return
	}

	n, err := h.ledger.ResetDailyTimes(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ResetDailyResponse{SitesReset: n}})
}
