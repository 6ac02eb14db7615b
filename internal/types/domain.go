package types

import (
	"time"
)

// User is the core account entity. Spend and site counters are denormalized
// lifetime totals maintained by the transaction and site write paths.
type User struct {
	ID                 string             `json:"id" db:"id"`
	Email              string             `json:"email" db:"email"`
	Name               string             `json:"name,omitempty" db:"name"`
	PasswordHash       string             `json:"-" db:"password_hash"`
	EmailVerified      bool               `json:"email_verified" db:"email_verified"`
	Plan               PlanTier           `json:"plan" db:"plan"`
	Role               UserRole           `json:"role" db:"role"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status" db:"subscription_status"`

	TotalSpentCents    int64 `json:"total_spent_cents" db:"total_spent_cents"`
	TotalTimeSavedSecs int64 `json:"total_time_saved_secs" db:"total_time_saved_secs"`
	TotalSitesBlocked  int   `json:"total_sites_blocked" db:"total_sites_blocked"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Site is a tracked domain with a daily time budget. The primary key is the
// deterministic composite `{user_id}_{normalized_domain}` so re-adding a
// removed site reactivates the same record with its prior settings.
type Site struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	URL    string `json:"url" db:"url"`
	Name   string `json:"name,omitempty" db:"name"`

	TimeLimitSecs      int    `json:"time_limit_secs" db:"time_limit_secs"`
	TimeRemainingSecs  int    `json:"time_remaining_secs" db:"time_remaining_secs"`
	TimeSpentTodaySecs int    `json:"time_spent_today_secs" db:"time_spent_today_secs"`
	LastResetDate      string `json:"last_reset_date" db:"last_reset_date"`

	IsBlocked    bool       `json:"is_blocked" db:"is_blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
	IsActive     bool       `json:"is_active" db:"is_active"`

	TotalTimeSpentSecs int64      `json:"total_time_spent_secs" db:"total_time_spent_secs"`
	AccessCount        int64      `json:"access_count" db:"access_count"`
	DailyUsage         DailyUsage `json:"daily_usage" db:"daily_usage"`
	LastAccessedAt     *time.Time `json:"last_accessed_at,omitempty" db:"last_accessed_at"`

	OverrideActive      bool       `json:"override_active" db:"override_active"`
	OverrideInitiatedBy string     `json:"override_initiated_by,omitempty" db:"override_initiated_by"`
	OverrideInitiatedAt *time.Time `json:"override_initiated_at,omitempty" db:"override_initiated_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DailyUsage maps a local date (YYYY-MM-DD) to seconds spent that day.
// Stored as JSONB.
type DailyUsage map[string]int

// SiteStatus is a point-in-time read view of a site's budget. When the stored
// last_reset_date is stale the view reports a full budget without persisting
// the reset; the write path reconciles storage on the next update.
type SiteStatus struct {
	SiteID            string     `json:"site_id"`
	URL               string     `json:"url"`
	Name              string     `json:"name,omitempty"`
	TimeLimitSecs     int        `json:"time_limit_secs"`
	TimeRemainingSecs int        `json:"time_remaining_secs"`
	TimeSpentSecs     int        `json:"time_spent_secs"`
	IsBlocked         bool       `json:"is_blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	OverrideActive    bool       `json:"override_active"`
}

// TrackResult is returned from a time-tracking update.
type TrackResult struct {
	TimeRemainingSecs int        `json:"time_remaining_secs"`
	IsBlocked         bool       `json:"is_blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// OverrideBalance is the per-user credit record. All mutations are conditional
// increments/decrements executed in SQL, never read-modify-write in Go.
type OverrideBalance struct {
	UserID          string      `json:"user_id" db:"user_id"`
	Overrides       int         `json:"overrides" db:"overrides"`
	TotalPurchased  int         `json:"total_purchased" db:"total_purchased"`
	UsedTotal       int         `json:"used_total" db:"used_total"`
	TotalSpentCents int64       `json:"total_spent_cents" db:"total_spent_cents"`
	LastGrantReason GrantReason `json:"last_grant_reason,omitempty" db:"last_grant_reason"`
	LastGrantAt     *time.Time  `json:"last_grant_at,omitempty" db:"last_grant_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// OverrideMonthlyStats tracks per-month consumption, keyed by (user, YYYY-MM).
type OverrideMonthlyStats struct {
	UserID        string `json:"user_id" db:"user_id"`
	Month         string `json:"month" db:"month"`
	FreeUsed      int    `json:"free_used" db:"free_used"`
	PurchasedUsed int    `json:"purchased_used" db:"purchased_used"`
	SpentCents    int64  `json:"spent_cents" db:"spent_cents"`
}

// OverrideDecision is the result of an eligibility check. It is advisory:
// the consume path re-validates balance atomically because concurrent
// requests may have changed state since the check.
type OverrideDecision struct {
	CanOverride            bool           `json:"can_override"`
	Reason                 OverrideReason `json:"reason"`
	RequiresPayment        bool           `json:"requires_payment"`
	UsePurchased           bool           `json:"use_purchased"`
	PriceCents             int64          `json:"price_cents,omitempty"`
	AvailableOverrides     int            `json:"available_overrides"`
	FreeOverridesRemaining int            `json:"free_overrides_remaining"`
	UserPlan               PlanTier       `json:"user_plan"`
}

// OverrideResult is returned from a consume attempt.
type OverrideResult struct {
	Granted       bool           `json:"granted"`
	Reason        OverrideReason `json:"reason"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Message       string         `json:"message"`
}

// PurchaseResult is returned from a credit purchase.
type PurchaseResult struct {
	OverridesAdded int    `json:"overrides_added"`
	NewBalance     int    `json:"new_balance"`
	TransactionID  string `json:"transaction_id"`
}

// PaymentData carries the confirmed payment reference for a charge.
// Validation happens before any storage mutation.
type PaymentData struct {
	Method      PaymentMethod `json:"method" validate:"required,oneof=card stripe"`
	ReferenceID string        `json:"reference_id" validate:"required,max=255"`
}

// Transaction is an immutable monetary ledger row. Completed transactions
// update the user's spend total and the global aggregates in the same
// database transaction as the insert.
type Transaction struct {
	ID            string            `json:"id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	Type          TransactionType   `json:"type" db:"type"`
	AmountCents   int64             `json:"amount_cents" db:"amount_cents"`
	Description   string            `json:"description" db:"description"`
	Status        TransactionStatus `json:"status" db:"status"`
	PaymentMethod PaymentMethod     `json:"payment_method" db:"payment_method"`
	Metadata      Metadata          `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// Metadata is a free-form JSONB payload on transactions and audit entries.
type Metadata map[string]any

// Subscription mirrors users.plan for billing queries. Every plan change
// writes both records in one database transaction.
type Subscription struct {
	UserID    string             `json:"user_id" db:"user_id"`
	Plan      PlanTier           `json:"plan" db:"plan"`
	Status    SubscriptionStatus `json:"status" db:"status"`
	StartedAt time.Time          `json:"started_at" db:"started_at"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// SubscriptionChange is returned from a plan update.
type SubscriptionChange struct {
	Plan          PlanTier `json:"plan"`
	SitesDeleted  int      `json:"sites_deleted"`
	OverrideGrant int      `json:"override_grant"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

// PlanBenefits defines the entitlements of a subscription tier.
// SiteLimit of -1 means unlimited.
type PlanBenefits struct {
	DeviceLimit      int         `json:"device_limit"`
	SiteLimit        int         `json:"site_limit"`
	MonthlyOverrides int         `json:"monthly_overrides"`
	Lockout          LockoutMode `json:"lockout_mode"`
	PriceCents       int64       `json:"price_cents"`
	AINudges         bool        `json:"ai_nudges"`
	Reports          bool        `json:"reports"`
	Journaling       bool        `json:"journaling"`
	HistoryDays      int         `json:"history_days"`
}

// PlanTransition describes the storage effects of moving between tiers.
// Grants are absolute allotments of the new tier, never prorated or
// additive across tiers.
type PlanTransition struct {
	OverrideGrant int  `json:"override_grant"`
	ResetBalance  bool `json:"reset_balance"`
	DeleteSites   bool `json:"delete_sites"`
}

// Session represents an authenticated user session. The token itself is
// never stored; only its SHA-256 hash.
type Session struct {
	TokenHash      string    `json:"-" db:"token_hash"`
	UserID         string    `json:"user_id" db:"user_id"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// AuditEntry records an admin or billing action for later review.
type AuditEntry struct {
	ID           string    `json:"id" db:"id"`
	ActorID      string    `json:"actor_id" db:"actor_id"`
	Action       string    `json:"action" db:"action"`
	TargetUserID string    `json:"target_user_id" db:"target_user_id"`
	Details      Metadata  `json:"details,omitempty" db:"details"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Standard audit action strings. Handlers MUST use these for consistency.
const (
	AuditActionOverridesGranted = "overrides.granted"
	AuditActionOverrideUsed     = "override.used"
	AuditActionPlanChanged      = "plan.changed"
	AuditActionStatsRecalc      = "stats.recalculated"
	AuditActionSiteAdded        = "site.added"
	AuditActionSiteRemoved      = "site.removed"
)

// CheckoutSession abstracts the payment provider's hosted checkout object.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RedirectURLs guides the user after hosted checkout completes.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// StatsSnapshot is the admin dashboard view of the aggregate counters.
type StatsSnapshot struct {
	Counters   map[string]int64 `json:"counters"`
	ComputedAt time.Time        `json:"computed_at"`
}
