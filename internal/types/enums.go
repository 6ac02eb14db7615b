package types

// PlanTier identifies the subscription tier for a user.
type PlanTier string

const (
	PlanFree  PlanTier = "free"
	PlanPro   PlanTier = "pro"
	PlanElite PlanTier = "elite"
)

// Valid reports whether the tier is one of the known plans.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanElite:
		return true
	}
	return false
}

// UserRole defines authorization levels for API access.
type UserRole string

const (
	RoleMember UserRole = "member"
	RoleAdmin  UserRole = "admin"
)

// TransactionType identifies the kind of monetary event recorded in the ledger.
type TransactionType string

const (
	TxnPlanPurchase     TransactionType = "plan_purchase"
	TxnOverridePurchase TransactionType = "override_purchase"
	TxnOverrideCharge   TransactionType = "override_charge"
	TxnAdminAdjustment  TransactionType = "admin_adjustment"
)

// Valid reports whether the transaction type is known.
func (t TransactionType) Valid() bool {
	switch t {
	case TxnPlanPurchase, TxnOverridePurchase, TxnOverrideCharge, TxnAdminAdjustment:
		return true
	}
	return false
}

// TransactionStatus represents the settlement state of a transaction.
// Only completed transactions contribute to spend totals and revenue aggregates.
type TransactionStatus string

const (
	TxnStatusCompleted TransactionStatus = "completed"
	TxnStatusPending   TransactionStatus = "pending"
	TxnStatusFailed    TransactionStatus = "failed"
	TxnStatusRefunded  TransactionStatus = "refunded"
)

// SubscriptionStatus represents the state of a billing subscription.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// OverrideReason classifies the outcome of an eligibility check.
// The values are part of the API contract with the extension/dashboard clients.
type OverrideReason string

const (
	// OverrideReasonNotBlocked means the site is usable and no override applies.
	OverrideReasonNotBlocked OverrideReason = "not_blocked"
	// OverrideReasonEliteUnlimited means the elite plan covers the override.
	OverrideReasonEliteUnlimited OverrideReason = "elite_unlimited"
	// OverrideReasonFreeAllowance means the pro monthly free quota covers it.
	OverrideReasonFreeAllowance OverrideReason = "free_allowance"
	// OverrideReasonPurchasedCredit means a previously purchased credit is spent.
	OverrideReasonPurchasedCredit OverrideReason = "purchased_credit"
	// OverrideReasonPaymentRequired means the user may override but must pay.
	OverrideReasonPaymentRequired OverrideReason = "payment_required"
)

// GrantReason records why an override grant was applied to a balance.
type GrantReason string

const (
	GrantReasonPurchase    GrantReason = "purchase"
	GrantReasonPlanBenefit GrantReason = "plan_benefit"
	GrantReasonAdminGrant  GrantReason = "admin_grant"
)

// LockoutMode controls how a blocked site's lockout window is determined.
// Fixed mode always blocks until the next local midnight; custom mode lets
// paid tiers configure shorter windows client-side.
type LockoutMode string

const (
	LockoutFixed  LockoutMode = "fixed"
	LockoutCustom LockoutMode = "custom"
)

// PaymentMethod identifies how a transaction was settled.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodNone   PaymentMethod = "none"
)
