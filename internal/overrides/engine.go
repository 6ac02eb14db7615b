// Package overrides implements the override economy: eligibility
// classification, consumption, credit purchase, and admin grants.
package overrides

import (
	"context"
	"log/slog"
	"time"

	"limitter/internal/db"
	"limitter/internal/sites"
	"limitter/internal/types"
)

// OverridePriceCents is the flat price of a single pay-as-you-go override.
const OverridePriceCents int64 = 199

// BenefitsResolver exposes the plan entitlements the engine needs.
// Implemented by billing.PlanRegistry.
type BenefitsResolver interface {
	GetBenefits(plan types.PlanTier) types.PlanBenefits
}

// Engine answers "can this user override this block right now, and what
// does it cost". The answer is advisory: state may change between the
// check and the consume, so the consume path re-validates atomically.
type Engine struct {
	db       db.DBTX
	benefits BenefitsResolver
	clock    types.Clock
	loc      *time.Location
	logger   *slog.Logger
}

// EngineConfig holds the dependencies for creating an Engine.
type EngineConfig struct {
	DB       db.DBTX
	Benefits BenefitsResolver
	Clock    types.Clock
	Location *time.Location
	Logger   *slog.Logger
}

// NewEngine creates an Engine. Nil Clock, Location, and Logger default to
// RealClock, UTC, and slog.Default().
func NewEngine(cfg EngineConfig) *Engine {
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
	return &Engine{
		db:       cfg.DB,
		benefits: cfg.Benefits,
		clock:    clock,
		loc:      loc,
		logger:   logger,
	}
}

// CheckEligibility classifies an override attempt for the given domain.
// NotFound if the site is not tracked.
func (e *Engine) CheckEligibility(ctx context.Context, user *types.User, domain string) (*types.OverrideDecision, error) {
	site, err := db.NewSiteRepository(e.db).GetByID(ctx, sites.SiteID(user.ID, domain))
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().In(e.loc)
	balanceRepo := db.NewOverrideBalanceRepo(e.db)
	balance, err := balanceRepo.Get(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	monthly, err := balanceRepo.GetMonthlyStats(ctx, user.ID, now.Format(types.MonthLayout))
	if err != nil {
		return nil, err
	}

	decision := classify(user.Plan, e.benefits.GetBenefits(user.Plan),
		siteEffectivelyBlocked(site, now), balance.Overrides, monthly.FreeUsed)
	return &decision, nil
}

// siteEffectivelyBlocked reports whether the block still applies at the
// given instant. A stale last_reset_date means a new local day has started
// and the read path treats the budget as fully restored; an active
// override keeps the site usable for the rest of the day.
func siteEffectivelyBlocked(site *types.Site, now time.Time) bool {
	if !site.IsBlocked || site.OverrideActive {
		return false
	}
	return site.LastResetDate == now.Format(types.DateLayout)
}

// classify applies the decision order, first match wins: not blocked,
// elite plan, pro monthly free allowance, purchased credit, then payment.
// The ordering always spends the cheapest resource first.
func classify(plan types.PlanTier, benefits types.PlanBenefits, blocked bool, purchased int, freeUsed int) types.OverrideDecision {
	decision := types.OverrideDecision{
		UserPlan:           plan,
		AvailableOverrides: purchased,
	}
	if benefits.MonthlyOverrides > 0 {
		remaining := benefits.MonthlyOverrides - freeUsed
		if remaining < 0 {
			remaining = 0
		}
		decision.FreeOverridesRemaining = remaining
	}

	switch {
	case !blocked:
		decision.Reason = types.OverrideReasonNotBlocked
	case plan == types.PlanElite:
		decision.CanOverride = true
		decision.Reason = types.OverrideReasonEliteUnlimited
	case plan == types.PlanPro && freeUsed < benefits.MonthlyOverrides:
		decision.CanOverride = true
		decision.Reason = types.OverrideReasonFreeAllowance
	case purchased > 0:
		decision.CanOverride = true
		decision.Reason = types.OverrideReasonPurchasedCredit
		decision.UsePurchased = true
	default:
		decision.CanOverride = true
		decision.Reason = types.OverrideReasonPaymentRequired
		decision.RequiresPayment = true
		decision.PriceCents = OverridePriceCents
	}
	return decision
}
