package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"limitter/internal/db"
	"limitter/internal/types"
)

// CheckoutProvider creates hosted checkout sessions with the payment
// provider. Implemented by external.StripeClient.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error)
}

// Service applies plan changes. Self-service changes, webhook-confirmed
// checkouts, and admin changes all flow through the same transition path
// so the dual-write (users.plan + subscriptions) and counter invariants
// hold regardless of who initiated the change.
type Service struct {
	db       db.DBTX
	tx       db.TxRunner
	registry PlanRegistry
	checkout CheckoutProvider
	clock    types.Clock
	logger   *slog.Logger
}

// ServiceConfig holds the dependencies for creating a Service.
type ServiceConfig struct {
	DB       db.DBTX
	TxRunner db.TxRunner
	Registry PlanRegistry
	Checkout CheckoutProvider
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewService creates a Service. Nil Registry, Clock, and Logger default to
// the static registry, RealClock, and slog.Default().
func NewService(cfg ServiceConfig) *Service {
	registry := cfg.Registry
	if registry == nil {
		registry = NewStaticPlanRegistry()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       cfg.DB,
		tx:       cfg.TxRunner,
		registry: registry,
		checkout: cfg.Checkout,
		clock:    clock,
		logger:   logger,
	}
}

// UpdateSubscriptionRequest carries a self-service plan change.
type UpdateSubscriptionRequest struct {
	Plan    types.PlanTier     `json:"plan" validate:"required,plan"`
	Payment *types.PaymentData `json:"payment,omitempty"`
}

// UpdateSubscription changes the calling user's plan. Paid tiers require a
// confirmed payment reference; the charge is recorded as a completed
// plan_purchase transaction in the same database transaction as the plan
// change itself.
func (s *Service) UpdateSubscription(ctx context.Context, userID string, req UpdateSubscriptionRequest) (*types.SubscriptionChange, error) {
	if !req.Plan.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan %q", req.Plan), nil)
	}

	benefits := s.registry.GetBenefits(req.Plan)
	if benefits.PriceCents > 0 && req.Payment == nil {
		return nil, types.NewAppError(types.ErrCodePaymentRequired,
			fmt.Sprintf("the %s plan requires payment", req.Plan), nil)
	}

	var change *types.SubscriptionChange
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		user, err := db.NewUserRepository(tx).GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		change, err = s.applyPlanChange(ctx, tx, user, req.Plan)
		if err != nil {
			return err
		}

		if benefits.PriceCents > 0 {
			txn := &types.Transaction{
				ID:            uuid.NewString(),
				UserID:        userID,
				Type:          types.TxnPlanPurchase,
				AmountCents:   benefits.PriceCents,
				Description:   fmt.Sprintf("Subscription change to %s plan", req.Plan),
				Status:        types.TxnStatusCompleted,
				PaymentMethod: req.Payment.Method,
				Metadata: types.Metadata{
					"payment_reference": req.Payment.ReferenceID,
					"plan":              string(req.Plan),
					"previous_plan":     string(user.Plan),
				},
			}
			if err := db.RecordCompletedTransaction(ctx, tx, txn); err != nil {
				return err
			}
			change.TransactionID = txn.ID
		}

		return db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
			ID:           uuid.NewString(),
			ActorID:      userID,
			Action:       types.AuditActionPlanChanged,
			TargetUserID: userID,
			Details: types.Metadata{
				"from": string(user.Plan),
				"to":   string(req.Plan),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription updated",
		"user_id", userID,
		"plan", req.Plan,
		"sites_deleted", change.SitesDeleted,
		"override_grant", change.OverrideGrant,
	)
	return change, nil
}

// AdminChangePlan applies a plan change on behalf of another user. It runs
// the same transition path as self-service but never records a monetary
// transaction; the audit entry carries the acting admin.
func (s *Service) AdminChangePlan(ctx context.Context, actorID, targetUserID string, plan types.PlanTier) (*types.SubscriptionChange, error) {
	if !plan.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan %q", plan), nil)
	}

	var change *types.SubscriptionChange
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		user, err := db.NewUserRepository(tx).GetByIDForUpdate(ctx, targetUserID)
		if err != nil {
			return err
		}

		change, err = s.applyPlanChange(ctx, tx, user, plan)
		if err != nil {
			return err
		}

		return db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
			ID:           uuid.NewString(),
			ActorID:      actorID,
			Action:       types.AuditActionPlanChanged,
			TargetUserID: targetUserID,
			Details: types.Metadata{
				"from":  string(user.Plan),
				"to":    string(plan),
				"admin": true,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("plan changed by admin",
		"actor_id", actorID,
		"target_user_id", targetUserID,
		"plan", plan,
	)
	return change, nil
}

// CreateCheckoutSession starts a hosted checkout for a paid plan. The plan
// change itself happens later, when the provider's webhook confirms the
// session completed.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	if !plan.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan %q", plan), nil)
	}
	if s.registry.GetBenefits(plan).PriceCents == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			"the free plan has no checkout; use the subscription endpoint to downgrade", nil)
	}

	session, err := s.checkout.CreateCheckoutSession(ctx, userID, plan, urls)
	if err != nil {
		return nil, err
	}

	s.logger.Info("checkout session created", "user_id", userID, "plan", plan, "session_id", session.ID)
	return session, nil
}

// ConfirmCheckout applies the plan change for a checkout session the
// payment provider reports as completed. Called from the webhook handler
// after signature verification; userID and plan come from the session
// metadata set at creation.
func (s *Service) ConfirmCheckout(ctx context.Context, userID string, plan types.PlanTier, sessionID string) (*types.SubscriptionChange, error) {
	if !plan.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan %q in checkout session %s", plan, sessionID), nil)
	}

	benefits := s.registry.GetBenefits(plan)

	var change *types.SubscriptionChange
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		user, err := db.NewUserRepository(tx).GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		change, err = s.applyPlanChange(ctx, tx, user, plan)
		if err != nil {
			return err
		}

		txn := &types.Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			Type:          types.TxnPlanPurchase,
			AmountCents:   benefits.PriceCents,
			Description:   fmt.Sprintf("Subscription change to %s plan", plan),
			Status:        types.TxnStatusCompleted,
			PaymentMethod: types.PaymentMethodStripe,
			Metadata: types.Metadata{
				"stripe_session_id": sessionID,
				"plan":              string(plan),
				"previous_plan":     string(user.Plan),
			},
		}
		if err := db.RecordCompletedTransaction(ctx, tx, txn); err != nil {
			return err
		}
		change.TransactionID = txn.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("checkout confirmed",
		"user_id", userID,
		"plan", plan,
		"session_id", sessionID,
	)
	return change, nil
}

// MarkPaymentFailed flags the user's subscription as past due after the
// provider reports a failed renewal. The plan itself is unchanged; access
// revocation is a later cancellation event.
func (s *Service) MarkPaymentFailed(ctx context.Context, userID string) error {
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		user, err := db.NewUserRepository(tx).GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if err := db.NewUserRepository(tx).UpdatePlan(ctx, userID, user.Plan, types.SubStatusPastDue); err != nil {
			return err
		}
		return db.NewSubscriptionRepo(tx).UpdateStatus(ctx, userID, types.SubStatusPastDue)
	})
	if err != nil {
		return err
	}

	s.logger.Warn("subscription payment failed", "user_id", userID)
	return nil
}

// applyPlanChange runs the transition inside the caller's database
// transaction: site deletion with counter compensation, the absolute
// override grant or reset, the users.plan + subscriptions dual write, and
// the per-plan user counters.
func (s *Service) applyPlanChange(ctx context.Context, tx db.DBTX, user *types.User, newPlan types.PlanTier) (*types.SubscriptionChange, error) {
	t := ResolveTransition(user.Plan, newPlan, s.registry)
	change := &types.SubscriptionChange{
		Plan:          newPlan,
		OverrideGrant: t.OverrideGrant,
	}

	userRepo := db.NewUserRepository(tx)
	statsRepo := db.NewAdminStatsRepo(tx)

	if t.DeleteSites {
		deleted, err := db.NewSiteRepository(tx).DeleteAllByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if deleted > 0 {
			if err := userRepo.AddSitesBlocked(ctx, user.ID, -deleted); err != nil {
				return nil, err
			}
			if err := statsRepo.Increment(ctx, db.StatTotalSites, int64(-deleted)); err != nil {
				return nil, err
			}
		}
		change.SitesDeleted = deleted
	}

	balanceRepo := db.NewOverrideBalanceRepo(tx)
	if t.ResetBalance {
		if err := balanceRepo.ResetForDowngrade(ctx, user.ID); err != nil {
			return nil, err
		}
	} else {
		if err := balanceRepo.SetTo(ctx, user.ID, t.OverrideGrant, types.GrantReasonPlanBenefit); err != nil {
			return nil, err
		}
	}

	if err := userRepo.UpdatePlan(ctx, user.ID, newPlan, types.SubStatusActive); err != nil {
		return nil, err
	}
	if err := db.NewSubscriptionRepo(tx).Upsert(ctx, &types.Subscription{
		UserID:    user.ID,
		Plan:      newPlan,
		Status:    types.SubStatusActive,
		StartedAt: s.clock.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if user.Plan != newPlan {
		if err := statsRepo.IncrementAll(ctx, map[string]int64{
			db.StatPlanPrefix + string(user.Plan): -1,
			db.StatPlanPrefix + string(newPlan):   1,
		}); err != nil {
			return nil, err
		}
	}

	return change, nil
}
