package sites

import (
	"context"
	"log/slog"
	"time"

	"limitter/internal/db"
	"limitter/internal/types"
)

// Ledger maintains the per-site daily time budget. Writes run inside a
// single database transaction with the site row locked, so concurrent
// tracking calls for the same site serialize instead of losing seconds.
//
// Daily-reset asymmetry: the write path persists the reset lazily on the
// next update, while the read path (GetSitesTimeStatus) compensates with a
// virtual reset it never persists. A site that is never visited again keeps
// a stale last_reset_date in storage indefinitely; that is accepted
// behavior, since every reader reconciles against today's date.
type Ledger struct {
	db     db.DBTX
	tx     db.TxRunner
	clock  types.Clock
	loc    *time.Location
	logger *slog.Logger
}

// LedgerConfig holds the dependencies for creating a Ledger.
type LedgerConfig struct {
	DB       db.DBTX
	TxRunner db.TxRunner
	Clock    types.Clock
	Location *time.Location
	Logger   *slog.Logger
}

// NewLedger creates a Ledger. If Clock is nil, RealClock is used. If
// Location is nil, UTC is used. If Logger is nil, slog.Default() is used.
func NewLedger(cfg LedgerConfig) *Ledger {
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
	return &Ledger{
		db:     cfg.DB,
		tx:     cfg.TxRunner,
		clock:  clock,
		loc:    loc,
		logger: logger,
	}
}

// today returns the current calendar date string in the service timezone.
func (l *Ledger) today() string {
	return l.clock.Now().In(l.loc).Format(types.DateLayout)
}

// nextMidnight returns the first instant of the next calendar day in the
// service timezone. Blocked sites stay blocked until this time.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// RecordTimeSpent adds elapsed seconds to a site's daily usage. The site is
// located by the composite key; NotFound if absent. A stale last_reset_date
// is reset to a full budget before the delta applies. When the budget
// reaches zero the site is blocked until the next local midnight.
func (l *Ledger) RecordTimeSpent(ctx context.Context, userID, domain string, seconds int) (*types.TrackResult, error) {
	if seconds <= 0 || seconds > types.MaxTrackSeconds {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeconds, "seconds must be between 1 and 3600", nil)
	}

	id := SiteID(userID, domain)
	var result *types.TrackResult

	err := l.tx.RunInTx(ctx, func(tx db.DBTX) error {
		siteRepo := db.NewSiteRepository(tx)

		site, err := siteRepo.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}

		now := l.clock.Now().In(l.loc)
		today := now.Format(types.DateLayout)

		// Lazy daily reset: the stored reset date is stale, so the site
		// starts today with a full budget before the delta applies.
		if site.LastResetDate != today {
			site.TimeSpentTodaySecs = 0
			site.TimeRemainingSecs = site.TimeLimitSecs
			site.IsBlocked = false
			site.BlockedUntil = nil
			site.OverrideActive = false
			site.LastResetDate = today
		}

		wasBlocked := site.IsBlocked

		site.TimeSpentTodaySecs += seconds
		remaining := site.TimeLimitSecs - site.TimeSpentTodaySecs
		if remaining < 0 {
			remaining = 0
		}
		site.TimeRemainingSecs = remaining

		if site.DailyUsage == nil {
			site.DailyUsage = types.DailyUsage{}
		}
		site.DailyUsage[today] += seconds
		site.AccessCount++
		site.TotalTimeSpentSecs += int64(seconds)
		site.LastAccessedAt = &now

		// An active override keeps the site usable for the rest of the
		// day even with the budget spent.
		site.IsBlocked = remaining <= 0 && !site.OverrideActive

		newlyBlocked := site.IsBlocked && !wasBlocked
		if newlyBlocked {
			until := nextMidnight(now, l.loc)
			site.BlockedUntil = &until
		} else if !site.IsBlocked {
			site.BlockedUntil = nil
		}

		if err := siteRepo.UpdateUsage(ctx, site); err != nil {
			return err
		}

		if newlyBlocked {
			// Time saved = the lockout window the block enforces.
			saved := int64(site.BlockedUntil.Sub(now) / time.Second)
			if err := db.NewUserRepository(tx).AddTimeSaved(ctx, userID, saved); err != nil {
				return err
			}
			if err := db.NewAdminStatsRepo(tx).Increment(ctx, db.StatTimeSavedSecs, saved); err != nil {
				return err
			}
			l.logger.Info("site blocked at quota",
				"site_id", site.ID,
				"blocked_until", site.BlockedUntil,
			)
		}

		result = &types.TrackResult{
			TimeRemainingSecs: site.TimeRemainingSecs,
			IsBlocked:         site.IsBlocked,
			BlockedUntil:      site.BlockedUntil,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetSitesTimeStatus returns a point-in-time view of every active site.
// Sites with a stale last_reset_date are shown with a full budget (virtual
// reset); storage is never mutated by this read.
func (l *Ledger) GetSitesTimeStatus(ctx context.Context, userID string) ([]*types.SiteStatus, error) {
	siteList, err := db.NewSiteRepository(l.db).ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	today := l.today()
	statuses := make([]*types.SiteStatus, 0, len(siteList))
	for _, site := range siteList {
		status := &types.SiteStatus{
			SiteID:            site.ID,
			URL:               site.URL,
			Name:              site.Name,
			TimeLimitSecs:     site.TimeLimitSecs,
			TimeRemainingSecs: site.TimeRemainingSecs,
			TimeSpentSecs:     site.TimeSpentTodaySecs,
			IsBlocked:         site.IsBlocked,
			BlockedUntil:      site.BlockedUntil,
			OverrideActive:    site.OverrideActive,
		}
		if site.LastResetDate != today {
			status.TimeRemainingSecs = site.TimeLimitSecs
			status.TimeSpentSecs = 0
			status.IsBlocked = false
			status.BlockedUntil = nil
			status.OverrideActive = false
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ResetDailyTimes restores the full budget for every site whose reset date
// is stale, clearing blocked and override state. Returns the count of sites
// reset; a second run on the same day resets nothing.
func (l *Ledger) ResetDailyTimes(ctx context.Context, userID string) (int, error) {
	return db.NewSiteRepository(l.db).ResetStale(ctx, userID, l.today())
}
