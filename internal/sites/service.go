package sites

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"limitter/internal/db"
	"limitter/internal/types"
)

// BenefitsResolver exposes the plan entitlement needed here: the tracked
// site limit, -1 meaning unlimited. Implemented by billing.PlanRegistry.
type BenefitsResolver interface {
	SiteLimit(plan types.PlanTier) int
}

// Service manages the tracked-site list: add (create-or-reactivate) and
// soft remove, with plan-limit enforcement.
type Service struct {
	db       db.DBTX
	tx       db.TxRunner
	benefits BenefitsResolver
	clock    types.Clock
	loc      *time.Location
	logger   *slog.Logger
}

// ServiceConfig holds the dependencies for creating a Service.
type ServiceConfig struct {
	DB       db.DBTX
	TxRunner db.TxRunner
	Benefits BenefitsResolver
	Clock    types.Clock
	Location *time.Location
	Logger   *slog.Logger
}

// NewService creates a Service. Nil Clock, Location, and Logger default to
// RealClock, UTC, and slog.Default().
func NewService(cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       cfg.DB,
		tx:       cfg.TxRunner,
		benefits: cfg.Benefits,
		clock:    clock,
		loc:      loc,
		logger:   logger,
	}
}

// AddSiteRequest carries the user-supplied fields for adding a site.
type AddSiteRequest struct {
	Domain        string `json:"domain" validate:"required,max=253"`
	Name          string `json:"name" validate:"max=200"`
	TimeLimitSecs int    `json:"time_limit_secs" validate:"required,min=60,max=86400"`
}

// AddSite creates a tracked site, or reactivates the previous record when
// the user re-adds a domain they removed earlier (same composite key;
// usage history survives). Enforces the plan's site limit against active
// sites only.
func (s *Service) AddSite(ctx context.Context, user *types.User, req AddSiteRequest) (*types.Site, error) {
	domain := NormalizeDomain(req.Domain)
	if domain == "" || len(domain) > types.MaxDomainLength {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidDomain, "invalid domain", nil)
	}
	if req.TimeLimitSecs < types.MinTimeLimitSecs || req.TimeLimitSecs > types.MaxTimeLimitSecs {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidLimit,
			"time limit must be between 60 and 86400 seconds", nil)
	}

	var created *types.Site
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		siteRepo := db.NewSiteRepository(tx)

		// Reactivation of an already-active site is a settings update and
		// must not count against the limit again.
		id := SiteID(user.ID, domain)
		_, getErr := siteRepo.GetByID(ctx, id)
		isNew := getErr != nil
		if getErr != nil {
			var appErr *types.AppError
			if !errors.As(getErr, &appErr) || appErr.Code != types.ErrCodeNotFoundSite {
				return getErr
			}
		}

		if isNew {
			limit := s.benefits.SiteLimit(user.Plan)
			if limit >= 0 {
				count, err := siteRepo.CountActive(ctx, user.ID)
				if err != nil {
					return err
				}
				if count >= limit {
					return types.NewAppErrorWithDetails(types.ErrCodeLimitSites,
						"site limit reached for plan", nil,
						map[string]any{"plan": user.Plan, "limit": limit})
				}
			}
		}

		site, err := siteRepo.Upsert(ctx, &types.Site{
			ID:            id,
			UserID:        user.ID,
			URL:           domain,
			Name:          req.Name,
			TimeLimitSecs: req.TimeLimitSecs,
			LastResetDate: s.clock.Now().In(s.loc).Format(types.DateLayout),
		})
		if err != nil {
			return err
		}

		if isNew {
			if err := db.NewUserRepository(tx).AddSitesBlocked(ctx, user.ID, 1); err != nil {
				return err
			}
			if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatTotalSites, 1); err != nil {
				return err
			}
			if err := db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
				ID:           uuid.NewString(),
				ActorID:      user.ID,
				Action:       types.AuditActionSiteAdded,
				TargetUserID: user.ID,
				Details:      types.Metadata{"site_id": id, "time_limit_secs": req.TimeLimitSecs},
			}); err != nil {
				return err
			}
		}

		created = site
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("site added", "site_id", created.ID, "time_limit_secs", created.TimeLimitSecs)
	return created, nil
}

// RemoveSite soft-deletes a tracked site, keeping its history for a
// possible later re-add.
func (s *Service) RemoveSite(ctx context.Context, userID, domain string) error {
	id := SiteID(userID, domain)
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		if err := db.NewSiteRepository(tx).SoftDelete(ctx, userID, id); err != nil {
			return err
		}
		if err := db.NewUserRepository(tx).AddSitesBlocked(ctx, userID, -1); err != nil {
			return err
		}
		if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatTotalSites, -1); err != nil {
			return err
		}
		return db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
			ID:           uuid.NewString(),
			ActorID:      userID,
			Action:       types.AuditActionSiteRemoved,
			TargetUserID: userID,
			Details:      types.Metadata{"site_id": id},
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("site removed", "site_id", id)
	return nil
}
