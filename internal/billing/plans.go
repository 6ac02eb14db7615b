// Package billing provides plan management, Stripe checkout, and the
// transition rules applied on every tier change.
package billing

import "limitter/internal/types"

// PlanRegistry defines the authoritative benefits for each tier.
// This is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetBenefits returns the entitlements for the given plan tier.
	// For unknown tiers, returns the most restrictive (Free) benefits
	// to fail safely.
	GetBenefits(tier types.PlanTier) types.PlanBenefits

	// SiteLimit returns the tracked-site limit for the tier, -1 meaning
	// unlimited.
	SiteLimit(tier types.PlanTier) int
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
// It implements PlanRegistry and is the standard implementation for production use.
type staticPlanRegistry struct {
	benefits map[types.PlanTier]types.PlanBenefits
}

// planDefaults defines the hardcoded plan benefits:
//
//	| Plan  | Sites | Devices | Overrides/mo | Price/mo | Lockout |
//	|-------|-------|---------|--------------|----------|---------|
//	| Free  | 3     | 1       | 0            | $0       | fixed   |
//	| Pro   | 20    | 3       | 15           | $4.99    | custom  |
//	| Elite | -1    | 10      | 200          | $11.99   | custom  |
//
// Elite's monthly grant of 200 is what the product sells as "unlimited
// overrides": a large finite balance debited like any other, so the
// balance invariants hold on every tier.
var planDefaults = map[types.PlanTier]types.PlanBenefits{
	types.PlanFree: {
		DeviceLimit:      1,
		SiteLimit:        3,
		MonthlyOverrides: 0,
		Lockout:          types.LockoutFixed,
		PriceCents:       0,
		HistoryDays:      7,
	},
	types.PlanPro: {
		DeviceLimit:      3,
		SiteLimit:        20,
		MonthlyOverrides: 15,
		Lockout:          types.LockoutCustom,
		PriceCents:       499,
		AINudges:         true,
		Reports:          true,
		HistoryDays:      90,
	},
	types.PlanElite: {
		DeviceLimit:      10,
		SiteLimit:        -1, // unlimited
		MonthlyOverrides: 200,
		Lockout:          types.LockoutCustom,
		PriceCents:       1199,
		AINudges:         true,
		Reports:          true,
		Journaling:       true,
		HistoryDays:      365,
	},
}

// freeBenefits is cached to avoid map lookups on the fallback path.
var freeBenefits = planDefaults[types.PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded
// benefits table. This is the standard production implementation; no
// database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]types.PlanBenefits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{benefits: m}
}

// GetBenefits returns the entitlements for the given plan tier.
// If the tier is unknown, it returns the Free tier benefits as a safe default.
func (r *staticPlanRegistry) GetBenefits(tier types.PlanTier) types.PlanBenefits {
	if b, ok := r.benefits[tier]; ok {
		return b
	}
	return freeBenefits
}

// SiteLimit returns the tracked-site limit for the tier, -1 meaning unlimited.
func (r *staticPlanRegistry) SiteLimit(tier types.PlanTier) int {
	return r.GetBenefits(tier).SiteLimit
}

// ResolveTransition returns the storage effects of moving to a new tier.
// It is pure; callers apply the result inside a database transaction.
//
// The new tier's monthly override allowance is granted as an absolute
// allotment, never prorated or added to what remained. A transition to
// free instead resets the balance to zero. Tracked sites are deleted
// whenever the tier actually changes, because time limits set under the
// old plan must not survive into the new one.
func ResolveTransition(prev, next types.PlanTier, registry PlanRegistry) types.PlanTransition {
	t := types.PlanTransition{
		DeleteSites: prev != next,
	}
	if next == types.PlanFree {
		t.ResetBalance = true
	} else {
		t.OverrideGrant = registry.GetBenefits(next).MonthlyOverrides
	}
	return t
}
