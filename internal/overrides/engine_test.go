package overrides

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitter/internal/db"
	"limitter/internal/types"
)

// --- scripted DBTX stub ---

type execCall struct {
	SQL  string
	Args []any
}

type stubDBTX struct {
	queryRowFn func(sql string, args []any) pgx.Row
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	execCalls  []execCall
}

func (s *stubDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	s.execCalls = append(s.execCalls, execCall{SQL: sql, Args: arguments})
	if s.execFn != nil {
		return s.execFn(sql, arguments)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *stubDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (s *stubDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.queryRowFn != nil {
		return s.queryRowFn(sql, args)
	}
	return errRow{errors.New("unexpected QueryRow")}
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type scanFnRow struct{ fn func(dest ...any) error }

func (r scanFnRow) Scan(dest ...any) error { return r.fn(dest...) }

// siteRow returns a pgx.Row scanning the given site in the repository's
// column order.
func siteRow(site *types.Site) pgx.Row {
	return scanFnRow{fn: func(dest ...any) error {
		*dest[0].(*string) = site.ID
		*dest[1].(*string) = site.UserID
		*dest[2].(*string) = site.URL
		name := site.Name
		*dest[3].(**string) = &name
		*dest[4].(*int) = site.TimeLimitSecs
		*dest[5].(*int) = site.TimeRemainingSecs
		*dest[6].(*int) = site.TimeSpentTodaySecs
		*dest[7].(*string) = site.LastResetDate
		*dest[8].(*bool) = site.IsBlocked
		*dest[9].(**time.Time) = site.BlockedUntil
		*dest[10].(*bool) = site.IsActive
		*dest[11].(*int64) = site.TotalTimeSpentSecs
		*dest[12].(*int64) = site.AccessCount
		*dest[13].(*types.DailyUsage) = types.DailyUsage{}
		*dest[14].(**time.Time) = site.LastAccessedAt
		*dest[15].(*bool) = site.OverrideActive
		*dest[16].(**string) = nil
		*dest[17].(**time.Time) = site.OverrideInitiatedAt
		*dest[18].(*time.Time) = site.CreatedAt
		*dest[19].(*time.Time) = site.UpdatedAt
		return nil
	}}
}

// balanceRow returns a pgx.Row scanning the given balance record.
func balanceRow(b *types.OverrideBalance) pgx.Row {
	return scanFnRow{fn: func(dest ...any) error {
		*dest[0].(*string) = b.UserID
		*dest[1].(*int) = b.Overrides
		*dest[2].(*int) = b.TotalPurchased
		*dest[3].(*int) = b.UsedTotal
		*dest[4].(*int64) = b.TotalSpentCents
		*dest[5].(**string) = nil
		*dest[6].(**time.Time) = b.LastGrantAt
		*dest[7].(*time.Time) = b.UpdatedAt
		return nil
	}}
}

// monthlyRow returns a pgx.Row scanning the given monthly stats record.
func monthlyRow(m *types.OverrideMonthlyStats) pgx.Row {
	return scanFnRow{fn: func(dest ...any) error {
		*dest[0].(*string) = m.UserID
		*dest[1].(*string) = m.Month
		*dest[2].(*int) = m.FreeUsed
		*dest[3].(*int) = m.PurchasedUsed
		*dest[4].(*int64) = m.SpentCents
		return nil
	}}
}

// intRow returns a pgx.Row scanning a single integer, for RETURNING clauses.
func intRow(v int) pgx.Row {
	return scanFnRow{fn: func(dest ...any) error {
		*dest[0].(*int) = v
		return nil
	}}
}

// fakeRunner executes the transaction callback directly against a stub.
type fakeRunner struct{ tx db.DBTX }

func (f fakeRunner) RunInTx(ctx context.Context, fn func(tx db.DBTX) error) error {
	return fn(f.tx)
}

// --- fixtures ---

var testLoc = time.FixedZone("CET", 3600)

// testClock pins the instant to 2026-08-30 21:00 in the service timezone,
// so "today" is 2026-08-30 and the month is 2026-08.
func testClock() types.FixedClock {
	return types.FixedClock{T: time.Date(2026, 8, 30, 21, 0, 0, 0, testLoc)}
}

const (
	testUserID = "user-1"
	testDomain = "reddit.com"
	testSiteID = testUserID + "_" + testDomain
	testMonth  = "2026-08"
	testToday  = "2026-08-30"
)

func testUser(plan types.PlanTier) *types.User {
	return &types.User{ID: testUserID, Plan: plan, Role: types.RoleMember}
}

// blockedSite returns a site that exhausted its budget earlier today.
func blockedSite() *types.Site {
	until := time.Date(2026, 8, 31, 0, 0, 0, 0, testLoc)
	return &types.Site{
		ID:                 testSiteID,
		UserID:             testUserID,
		URL:                testDomain,
		TimeLimitSecs:      600,
		TimeRemainingSecs:  0,
		TimeSpentTodaySecs: 600,
		LastResetDate:      testToday,
		IsBlocked:          true,
		BlockedUntil:       &until,
		IsActive:           true,
	}
}

// eligibilityStub scripts the three reads behind CheckEligibility.
func eligibilityStub(site *types.Site, balance *types.OverrideBalance, monthly *types.OverrideMonthlyStats) *stubDBTX {
	return &stubDBTX{
		queryRowFn: func(sql string, args []any) pgx.Row {
			switch {
			case strings.Contains(sql, "FROM sites"):
				if site == nil {
					return errRow{pgx.ErrNoRows}
				}
				return siteRow(site)
			case strings.Contains(sql, "override_monthly_stats"):
				if monthly == nil {
					return errRow{pgx.ErrNoRows}
				}
				return monthlyRow(monthly)
			case strings.Contains(sql, "override_balances"):
				if balance == nil {
					return errRow{pgx.ErrNoRows}
				}
				return balanceRow(balance)
			default:
				return errRow{errors.New("unexpected QueryRow: " + sql)}
			}
		},
	}
}

func newTestEngine(stub *stubDBTX) *Engine {
	return NewEngine(EngineConfig{
		DB:       stub,
		Benefits: testBenefits{},
		Clock:    testClock(),
		Location: testLoc,
	})
}

// testBenefits mirrors the production plan table for the fields the engine
// reads.
type testBenefits struct{}

func (testBenefits) GetBenefits(plan types.PlanTier) types.PlanBenefits {
	switch plan {
	case types.PlanPro:
		return types.PlanBenefits{SiteLimit: 20, MonthlyOverrides: 15, PriceCents: 499}
	case types.PlanElite:
		return types.PlanBenefits{SiteLimit: -1, MonthlyOverrides: 200, PriceCents: 1199}
	default:
		return types.PlanBenefits{SiteLimit: 3}
	}
}

// --- tests ---

func TestClassify_DecisionOrder(t *testing.T) {
	benefits := testBenefits{}

	cases := []struct {
		name      string
		plan      types.PlanTier
		blocked   bool
		purchased int
		freeUsed  int
		want      types.OverrideDecision
	}{
		{
			name:    "not blocked wins over everything",
			plan:    types.PlanElite,
			blocked: false,
			want: types.OverrideDecision{
				Reason:                 types.OverrideReasonNotBlocked,
				UserPlan:               types.PlanElite,
				FreeOverridesRemaining: 200,
			},
		},
		{
			name:      "elite is free regardless of balance",
			plan:      types.PlanElite,
			blocked:   true,
			purchased: 0,
			want: types.OverrideDecision{
				CanOverride:            true,
				Reason:                 types.OverrideReasonEliteUnlimited,
				UserPlan:               types.PlanElite,
				FreeOverridesRemaining: 200,
			},
		},
		{
			name:      "pro free allowance beats purchased credits",
			plan:      types.PlanPro,
			blocked:   true,
			purchased: 7,
			freeUsed:  3,
			want: types.OverrideDecision{
				CanOverride:            true,
				Reason:                 types.OverrideReasonFreeAllowance,
				UserPlan:               types.PlanPro,
				AvailableOverrides:     7,
				FreeOverridesRemaining: 12,
			},
		},
		{
			name:      "pro over quota falls to purchased",
			plan:      types.PlanPro,
			blocked:   true,
			purchased: 2,
			freeUsed:  15,
			want: types.OverrideDecision{
				CanOverride:        true,
				Reason:             types.OverrideReasonPurchasedCredit,
				UsePurchased:       true,
				UserPlan:           types.PlanPro,
				AvailableOverrides: 2,
			},
		},
		{
			name:      "free user with credits consumes them",
			plan:      types.PlanFree,
			blocked:   true,
			purchased: 1,
			want: types.OverrideDecision{
				CanOverride:        true,
				Reason:             types.OverrideReasonPurchasedCredit,
				UsePurchased:       true,
				UserPlan:           types.PlanFree,
				AvailableOverrides: 1,
			},
		},
		{
			name:      "free user with no credits must pay",
			plan:      types.PlanFree,
			blocked:   true,
			purchased: 0,
			want: types.OverrideDecision{
				CanOverride:     true,
				Reason:          types.OverrideReasonPaymentRequired,
				RequiresPayment: true,
				PriceCents:      199,
				UserPlan:        types.PlanFree,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.plan, benefits.GetBenefits(tc.plan), tc.blocked, tc.purchased, tc.freeUsed)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCheckEligibility_FreeUserNoBalance(t *testing.T) {
	stub := eligibilityStub(blockedSite(), nil, nil)
	engine := newTestEngine(stub)

	decision, err := engine.CheckEligibility(context.Background(), testUser(types.PlanFree), testDomain)
	require.NoError(t, err)

	assert.True(t, decision.CanOverride)
	assert.True(t, decision.RequiresPayment)
	assert.Equal(t, types.OverrideReasonPaymentRequired, decision.Reason)
	assert.Equal(t, int64(199), decision.PriceCents)
}

func TestCheckEligibility_StaleResetDateIsNotBlocked(t *testing.T) {
	// The site blocked yesterday; a new local day restores the budget on
	// read without persisting anything.
	site := blockedSite()
	site.LastResetDate = "2026-08-29"

	stub := eligibilityStub(site, nil, nil)
	engine := newTestEngine(stub)

	decision, err := engine.CheckEligibility(context.Background(), testUser(types.PlanFree), testDomain)
	require.NoError(t, err)

	assert.False(t, decision.CanOverride)
	assert.Equal(t, types.OverrideReasonNotBlocked, decision.Reason)
	assert.Empty(t, stub.execCalls)
}

func TestCheckEligibility_ActiveOverrideIsNotBlocked(t *testing.T) {
	site := blockedSite()
	site.OverrideActive = true

	stub := eligibilityStub(site, nil, nil)
	engine := newTestEngine(stub)

	decision, err := engine.CheckEligibility(context.Background(), testUser(types.PlanPro), testDomain)
	require.NoError(t, err)

	assert.Equal(t, types.OverrideReasonNotBlocked, decision.Reason)
}

func TestCheckEligibility_SiteNotFound(t *testing.T) {
	stub := eligibilityStub(nil, nil, nil)
	engine := newTestEngine(stub)

	_, err := engine.CheckEligibility(context.Background(), testUser(types.PlanFree), testDomain)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundSite, appErr.Code)
}
