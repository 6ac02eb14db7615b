// Package admin holds the operator-facing services: the aggregate counter
// snapshot and the full-scan recalculation that repairs counter drift.
package admin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"limitter/internal/db"
	"limitter/internal/types"
)

// UserScanner aggregates the user table's contribution to the global
// counters: total users, per-plan counts, and total time saved.
type UserScanner interface {
	AggregateCounts(ctx context.Context) (map[string]int64, error)
}

// SiteScanner counts active tracked sites across all users.
type SiteScanner interface {
	AggregateActive(ctx context.Context) (int64, error)
}

// LedgerScanner totals the completed transaction ledger: overall revenue
// plus revenue and count per transaction type.
type LedgerScanner interface {
	AggregateCompleted(ctx context.Context) (map[string]int64, error)
}

// BalanceScanner totals lifetime override consumption and purchases.
type BalanceScanner interface {
	AggregateUsage(ctx context.Context) (map[string]int64, error)
}

// StatsReader reads the current counter table.
type StatsReader interface {
	Snapshot(ctx context.Context) (*types.StatsSnapshot, error)
}

var (
	_ UserScanner    = (*db.UserRepository)(nil)
	_ SiteScanner    = (*db.SiteRepository)(nil)
	_ LedgerScanner  = (*db.TransactionRepo)(nil)
	_ BalanceScanner = (*db.OverrideBalanceRepo)(nil)
	_ StatsReader    = (*db.AdminStatsRepo)(nil)
)

// Drift is the before/after pair for one counter the rebuild corrected.
type Drift struct {
	Key        string `json:"key"`
	Stored     int64  `json:"stored"`
	Recomputed int64  `json:"recomputed"`
}

// RecalcResult reports what a recalculation produced.
type RecalcResult struct {
	Counters   map[string]int64 `json:"counters"`
	Drift      []Drift          `json:"drift,omitempty"`
	ComputedAt time.Time        `json:"computed_at"`
}

// StatsService serves the admin stats endpoints. Reads come straight from
// the counter table; Recalculate rebuilds every counter from full table
// scans, so the incrementally maintained values can always be repaired.
type StatsService struct {
	users    UserScanner
	sites    SiteScanner
	ledger   LedgerScanner
	balances BalanceScanner
	reader   StatsReader
	tx       db.TxRunner
	clock    types.Clock
	logger   *slog.Logger
}

// StatsConfig holds the dependencies for creating a StatsService. Nil
// scanner fields default to the concrete db repositories over DB; nil Clock
// and Logger default to RealClock and slog.Default().
type StatsConfig struct {
	DB       db.DBTX
	TxRunner db.TxRunner

	Users    UserScanner
	Sites    SiteScanner
	Ledger   LedgerScanner
	Balances BalanceScanner
	Reader   StatsReader

	Clock  types.Clock
	Logger *slog.Logger
}

// NewStatsService creates a StatsService.
func NewStatsService(cfg StatsConfig) *StatsService {
	users := cfg.Users
	if users == nil {
		users = db.NewUserRepository(cfg.DB)
	}
	sites := cfg.Sites
	if sites == nil {
		sites = db.NewSiteRepository(cfg.DB)
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = db.NewTransactionRepo(cfg.DB)
	}
	balances := cfg.Balances
	if balances == nil {
		balances = db.NewOverrideBalanceRepo(cfg.DB)
	}
	reader := cfg.Reader
	if reader == nil {
		reader = db.NewAdminStatsRepo(cfg.DB)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsService{
		users:    users,
		sites:    sites,
		ledger:   ledger,
		balances: balances,
		reader:   reader,
		tx:       cfg.TxRunner,
		clock:    clock,
		logger:   logger,
	}
}

// Snapshot returns the current counters as maintained incrementally.
func (s *StatsService) Snapshot(ctx context.Context) (*types.StatsSnapshot, error) {
	return s.reader.Snapshot(ctx)
}

// Recalculate rebuilds every counter from full table scans and replaces the
// counter table with the recomputed values. The scans run concurrently
// outside the transaction; only the replace and the audit entry are
// transactional. Any counter whose stored value disagrees with the
// recomputed one is reported as drift and logged.
func (s *StatsService) Recalculate(ctx context.Context) (*RecalcResult, error) {
	stored, err := s.reader.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	recomputed := map[string]int64{}
	var mu sync.Mutex
	merge := func(partial map[string]int64) {
		mu.Lock()
		defer mu.Unlock()
		for k, v := range partial {
			recomputed[k] += v
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.users.AggregateCounts(gCtx)
		if err != nil {
			return err
		}
		merge(counts)
		return nil
	})
	g.Go(func() error {
		active, err := s.sites.AggregateActive(gCtx)
		if err != nil {
			return err
		}
		merge(map[string]int64{db.StatTotalSites: active})
		return nil
	})
	g.Go(func() error {
		totals, err := s.ledger.AggregateCompleted(gCtx)
		if err != nil {
			return err
		}
		merge(totals)
		return nil
	})
	g.Go(func() error {
		usage, err := s.balances.AggregateUsage(gCtx)
		if err != nil {
			return err
		}
		merge(usage)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	drift := diffCounters(stored.Counters, recomputed)
	for _, d := range drift {
		s.logger.Warn("stat counter drift detected",
			"code", string(types.ErrCodeInternalStatsDrift),
			"key", d.Key,
			"stored", d.Stored,
			"recomputed", d.Recomputed,
		)
	}

	actorID := "system"
	if actor, ok := types.GetActor(ctx); ok {
		actorID = actor.ID
	}

	err = s.tx.RunInTx(ctx, func(tx db.DBTX) error {
		if err := db.NewAdminStatsRepo(tx).Replace(ctx, recomputed); err != nil {
			return err
		}
		return db.NewAuditRepository(tx).Insert(ctx, &types.AuditEntry{
			ID:      uuid.NewString(),
			ActorID: actorID,
			Action:  types.AuditActionStatsRecalc,
			Details: types.Metadata{
				"counters":    len(recomputed),
				"drift_count": len(drift),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	return &RecalcResult{
		Counters:   recomputed,
		Drift:      drift,
		ComputedAt: s.clock.Now().UTC(),
	}, nil
}

// diffCounters reports every key whose stored and recomputed values differ.
// A key missing on one side counts as zero there, so vanished counters and
// brand-new ones both show up.
func diffCounters(stored, recomputed map[string]int64) []Drift {
	var drift []Drift
	seen := map[string]bool{}
	for key, want := range recomputed {
		seen[key] = true
		if got := stored[key]; got != want {
			drift = append(drift, Drift{Key: key, Stored: got, Recomputed: want})
		}
	}
	for key, got := range stored {
		if !seen[key] && got != 0 {
			drift = append(drift, Drift{Key: key, Stored: got, Recomputed: 0})
		}
	}
	return drift
}
