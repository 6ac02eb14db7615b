package overrides

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"limitter/internal/db"
	"limitter/internal/sites"
	"limitter/internal/types"
)

// Service consumes, sells, and grants overrides. Every consume re-runs the
// eligibility classification against row-locked state inside the database
// transaction, because the earlier advisory check may have gone stale.
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

// ProcessOverride consumes an override for a blocked site and unblocks it
// for the rest of the local day. The cheapest resource is spent first:
// elite grant, then the pro monthly allowance, then purchased credits, and
// only then a one-off charge against the supplied payment data.
func (s *Service) ProcessOverride(ctx context.Context, user *types.User, domain string, payment *types.PaymentData) (*types.OverrideResult, error) {
	siteID := sites.SiteID(user.ID, domain)
	now := s.clock.Now().In(s.loc)
	month := now.Format(types.MonthLayout)
	benefits := s.benefits.GetBenefits(user.Plan)

	var result *types.OverrideResult
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		site, err := db.NewSiteRepository(tx).GetByIDForUpdate(ctx, siteID)
		if err != nil {
			return err
		}

		balanceRepo := db.NewOverrideBalanceRepo(tx)
		balance, err := balanceRepo.GetOrCreate(ctx, user.ID)
		if err != nil {
			return err
		}
		monthly, err := balanceRepo.GetMonthlyStats(ctx, user.ID, month)
		if err != nil {
			return err
		}

		decision := classify(user.Plan, benefits,
			siteEffectivelyBlocked(site, now), balance.Overrides, monthly.FreeUsed)

		if !decision.CanOverride {
			result = &types.OverrideResult{
				Granted: false,
				Reason:  decision.Reason,
				Message: "site is not blocked; no override needed",
			}
			return nil
		}

		var transactionID string
		switch decision.Reason {
		case types.OverrideReasonEliteUnlimited, types.OverrideReasonPurchasedCredit:
			if err := balanceRepo.ConsumePurchased(ctx, user.ID, month); err != nil {
				return err
			}
		case types.OverrideReasonFreeAllowance:
			if err := balanceRepo.ConsumeFree(ctx, user.ID, month, benefits.MonthlyOverrides); err != nil {
				return err
			}
		case types.OverrideReasonPaymentRequired:
			if payment == nil {
				return types.NewAppError(types.ErrCodePaymentRequired,
					"an override charge is required and no payment data was supplied", nil)
			}
			// A paid override is a purchase of one credit consumed on the
			// spot, so the lifetime counters the rebuilder scans stay
			// consistent with the incrementally maintained aggregates.
			if _, err := balanceRepo.Grant(ctx, user.ID, 1, types.GrantReasonPurchase); err != nil {
				return err
			}
			if err := balanceRepo.ConsumePurchased(ctx, user.ID, month); err != nil {
				return err
			}
			if err := balanceRepo.RecordSpend(ctx, user.ID, month, OverridePriceCents); err != nil {
				return err
			}
			txn := &types.Transaction{
				ID:            uuid.NewString(),
				UserID:        user.ID,
				Type:          types.TxnOverrideCharge,
				AmountCents:   OverridePriceCents,
				Description:   fmt.Sprintf("Override charge for %s", sites.NormalizeDomain(domain)),
				Status:        types.TxnStatusCompleted,
				PaymentMethod: payment.Method,
				Metadata: types.Metadata{
					"payment_reference": payment.ReferenceID,
					"site_id":           siteID,
				},
			}
			if err := db.RecordCompletedTransaction(ctx, tx, txn); err != nil {
				return err
			}
			transactionID = txn.ID
			if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatOverridesSold, 1); err != nil {
				return err
			}
		}

		if err := db.NewSiteRepository(tx).ApplyOverride(ctx, siteID, user.ID, now); err != nil {
			return err
		}
		if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatOverridesUsed, 1); err != nil {
			return err
		}
		if err := db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
			ID:           uuid.NewString(),
			ActorID:      user.ID,
			Action:       types.AuditActionOverrideUsed,
			TargetUserID: user.ID,
			Details: types.Metadata{
				"site_id": siteID,
				"reason":  string(decision.Reason),
			},
		}); err != nil {
			return err
		}

		result = &types.OverrideResult{
			Granted:       true,
			Reason:        decision.Reason,
			TransactionID: transactionID,
			Message:       overrideMessage(decision.Reason),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Granted {
		s.logger.Info("override applied",
			"user_id", user.ID,
			"site_id", siteID,
			"reason", result.Reason,
		)
	}
	return result, nil
}

// PurchaseOverrides sells a batch of override credits. The grant, the
// ledger row, and the spend counters move in one database transaction so a
// debited card can never leave the balance unchanged or vice versa.
func (s *Service) PurchaseOverrides(ctx context.Context, user *types.User, quantity int, payment *types.PaymentData) (*types.PurchaseResult, error) {
	if quantity < 1 || quantity > types.MaxOverrideQty {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuantity,
			fmt.Sprintf("quantity must be between 1 and %d", types.MaxOverrideQty), nil)
	}
	if payment == nil {
		return nil, types.NewAppError(types.ErrCodePaymentRequired,
			"override purchases require payment data", nil)
	}

	amount := int64(quantity) * OverridePriceCents
	month := s.clock.Now().In(s.loc).Format(types.MonthLayout)

	var purchase *types.PurchaseResult
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		balanceRepo := db.NewOverrideBalanceRepo(tx)
		newBalance, err := balanceRepo.Grant(ctx, user.ID, quantity, types.GrantReasonPurchase)
		if err != nil {
			return err
		}
		if err := balanceRepo.RecordSpend(ctx, user.ID, month, amount); err != nil {
			return err
		}

		txn := &types.Transaction{
			ID:            uuid.NewString(),
			UserID:        user.ID,
			Type:          types.TxnOverridePurchase,
			AmountCents:   amount,
			Description:   fmt.Sprintf("Purchase of %d overrides", quantity),
			Status:        types.TxnStatusCompleted,
			PaymentMethod: payment.Method,
			Metadata: types.Metadata{
				"payment_reference": payment.ReferenceID,
				"quantity":          quantity,
				"price_per_unit":    OverridePriceCents,
			},
		}
		if err := db.RecordCompletedTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatOverridesSold, int64(quantity)); err != nil {
			return err
		}

		purchase = &types.PurchaseResult{
			OverridesAdded: quantity,
			NewBalance:     newBalance,
			TransactionID:  txn.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("overrides purchased",
		"user_id", user.ID,
		"quantity", quantity,
		"amount_cents", amount,
	)
	return purchase, nil
}

// AdminGrant credits overrides to a user without a charge. Same balance
// semantics as a purchase, plus an audit entry naming the acting admin.
func (s *Service) AdminGrant(ctx context.Context, actorID, targetUserID string, quantity int, reason string) (*types.PurchaseResult, error) {
	if quantity < 1 || quantity > types.MaxOverrideQty {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuantity,
			fmt.Sprintf("quantity must be between 1 and %d", types.MaxOverrideQty), nil)
	}

	var grant *types.PurchaseResult
	err := s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		if _, err := db.NewUserRepository(tx).GetByID(ctx, targetUserID); err != nil {
			return err
		}

		newBalance, err := db.NewOverrideBalanceRepo(tx).Grant(ctx, targetUserID, quantity, types.GrantReasonAdminGrant)
		if err != nil {
			return err
		}
		if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatOverridesSold, int64(quantity)); err != nil {
			return err
		}
		if err := db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
			ID:           uuid.NewString(),
			ActorID:      actorID,
			Action:       types.AuditActionOverridesGranted,
			TargetUserID: targetUserID,
			Details: types.Metadata{
				"quantity": quantity,
				"reason":   reason,
			},
		}); err != nil {
			return err
		}

		grant = &types.PurchaseResult{
			OverridesAdded: quantity,
			NewBalance:     newBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("overrides granted by admin",
		"actor_id", actorID,
		"target_user_id", targetUserID,
		"quantity", quantity,
	)
	return grant, nil
}

func overrideMessage(reason types.OverrideReason) string {
	switch reason {
	case types.OverrideReasonEliteUnlimited:
		return "override applied from your elite allowance"
	case types.OverrideReasonFreeAllowance:
		return "override applied from your monthly free allowance"
	case types.OverrideReasonPurchasedCredit:
		return "override applied from your purchased credits"
	case types.OverrideReasonPaymentRequired:
		return "override charged and applied"
	default:
		return "override applied"
	}
}
