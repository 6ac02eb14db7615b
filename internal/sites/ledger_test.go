package sites

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
	queryFn    func(sql string, args []any) (pgx.Rows, error)
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
	if s.queryFn != nil {
		return s.queryFn(sql, args)
	}
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

// siteRow returns a pgx.Row that scans a copy of the given site in the
// repository's column order.
func siteRow(site *types.Site) pgx.Row {
	return scanFnRow{fn: func(dest ...any) error {
		scanSiteInto(dest, site)
		return nil
	}}
}

type scanFnRow struct{ fn func(dest ...any) error }

func (r scanFnRow) Scan(dest ...any) error { return r.fn(dest...) }

func scanSiteInto(dest []any, site *types.Site) {
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
	usage := types.DailyUsage{}
	for k, v := range site.DailyUsage {
		usage[k] = v
	}
	*dest[13].(*types.DailyUsage) = usage
	*dest[14].(**time.Time) = site.LastAccessedAt
	*dest[15].(*bool) = site.OverrideActive
	*dest[16].(**string) = nil
	*dest[17].(**time.Time) = site.OverrideInitiatedAt
	*dest[18].(*time.Time) = site.CreatedAt
	*dest[19].(*time.Time) = site.UpdatedAt
}

// siteRows implements pgx.Rows over a fixed site list for ListActive.
type siteRows struct {
	sites []*types.Site
	idx   int
}

func newSiteRows(sites ...*types.Site) *siteRows { return &siteRows{sites: sites, idx: -1} }

func (r *siteRows) Next() bool {
	r.idx++
	return r.idx < len(r.sites)
}

func (r *siteRows) Scan(dest ...any) error {
	scanSiteInto(dest, r.sites[r.idx])
	return nil
}

func (r *siteRows) Close()                                       {}
func (r *siteRows) Err() error                                   { return nil }
func (r *siteRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *siteRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *siteRows) RawValues() [][]byte                          { return nil }
func (r *siteRows) Values() ([]any, error)                       { return nil, nil }
func (r *siteRows) Conn() *pgx.Conn                              { return nil }

// fakeRunner executes the transaction callback directly against a stub.
type fakeRunner struct{ tx db.DBTX }

func (f fakeRunner) RunInTx(ctx context.Context, fn func(tx db.DBTX) error) error {
	return fn(f.tx)
}

// --- fixtures ---

var testLoc = time.FixedZone("CET", 3600)

// testClock pins the instant to 2026-08-30 21:00 in the service timezone.
func testClock() types.FixedClock {
	return types.FixedClock{T: time.Date(2026, 8, 30, 21, 0, 0, 0, testLoc)}
}

func trackedSite(limit, spent int) *types.Site {
	remaining := limit - spent
	if remaining < 0 {
		remaining = 0
	}
	return &types.Site{
		ID:                 "user_1_youtube.com",
		UserID:             "user_1",
		URL:                "youtube.com",
		Name:               "YouTube",
		TimeLimitSecs:      limit,
		TimeRemainingSecs:  remaining,
		TimeSpentTodaySecs: spent,
		LastResetDate:      "2026-08-30",
		IsActive:           true,
		DailyUsage:         types.DailyUsage{"2026-08-30": spent},
	}
}

func newTestLedger(tx db.DBTX) *Ledger {
	return NewLedger(LedgerConfig{
		DB:       tx,
		TxRunner: fakeRunner{tx: tx},
		Clock:    testClock(),
		Location: testLoc,
	})
}

// usageUpdate returns the argument list of the recorded usage UPDATE.
func usageUpdate(t *testing.T, stub *stubDBTX) []any {
	t.Helper()
	for _, call := range stub.execCalls {
		if strings.Contains(call.SQL, "time_spent_today_secs = $1") {
			return call.Args
		}
	}
	t.Fatal("no usage update executed")
	return nil
}

// --- RecordTimeSpent ---

func TestLedger_RecordTimeSpent_Accumulates(t *testing.T) {
	stub := &stubDBTX{
		queryRowFn: func(sql string, args []any) pgx.Row {
			return siteRow(trackedSite(600, 500))
		},
	}
	ledger := newTestLedger(stub)

	result, err := ledger.RecordTimeSpent(context.Background(), "user_1", "youtube.com", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, result.TimeRemainingSecs)
	assert.False(t, result.IsBlocked)
	assert.Nil(t, result.BlockedUntil)

	args := usageUpdate(t, stub)
	assert.Equal(t, 550, args[0]) // time_spent_today_secs
	assert.Equal(t, 50, args[1])  // time_remaining_secs
	assert.Equal(t, false, args[3])
	assert.Equal(t, types.DailyUsage{"2026-08-30": 550}, args[7])
}

func TestLedger_RecordTimeSpent_BlocksAtZeroUntilLocalMidnight(t *testing.T) {
	stub := &stubDBTX{
		queryRowFn: func(sql string, args []any) pgx.Row {
			return siteRow(trackedSite(600, 590))
		},
	}
	ledger := newTestLedger(stub)

	result, err := ledger.RecordTimeSpent(context.Background(), "user_1", "youtube.com", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TimeRemainingSecs)
	assert.True(t, result.IsBlocked)
	require.NotNil(t, result.BlockedUntil)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, testLoc), *result.BlockedUntil)

	// The blocking write also credits time saved on the user and the
	// global counter, in the same transaction.
	require.Len(t, stub.execCalls, 3)
	assert.Contains(t, stub.execCalls[1].SQL, "total_time_saved_secs")
	assert.Contains(t, stub.execCalls[2].SQL, "admin_stats")
	// 21:00 to midnight is three hours of enforced lockout.
	assert.Equal(t, int64(3*3600), stub.execCalls[1].Args[0])
}

func TestLedger_RecordTimeSpent_LazyDailyReset(t *testing.T) {
	stale := trackedSite(600, 590)
	stale.LastResetDate = "2026-08-29"
	stale.IsBlocked = true
	until := time.Date(2026, 8, 30, 0, 0, 0, 0, testLoc)
	stale.BlockedUntil = &until
	stale.DailyUsage = types.DailyUsage{"2026-08-29": 590}

	stub := &stubDBTX{
		queryRowFn: func(sql string, args []any) pgx.Row { return siteRow(stale) },
	}
	ledger := newTestLedger(stub)

	result, err := ledger.RecordTimeSpent(context.Background(), "user_1", "youtube.com", 30)
	require.NoError(t, err)
	// Yesterday's 590 seconds do not carry over: the budget reset first.
	assert.Equal(t, 570, result.TimeRemainingSecs)
	assert.False(t, result.IsBlocked)

	args := usageUpdate(t, stub)
	assert.Equal(t, 30, args[0])
	assert.Equal(t, "2026-08-30", args[2])
	assert.Equal(t, types.DailyUsage{"2026-08-29": 590, "2026-08-30": 30}, args[7])
}

func TestLedger_RecordTimeSpent_OverrideKeepsSiteUsable(t *testing.T) {
	overridden := trackedSite(600, 650)
	overridden.OverrideActive = true
	overridden.IsBlocked = false

	stub := &stubDBTX{
		queryRowFn: func(sql string, args []any) pgx.Row { return siteRow(overridden) },
	}
	ledger := newTestLedger(stub)

	result, err := ledger.RecordTimeSpent(context.Background(), "user_1", "youtube.com", 60)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TimeRemainingSecs)
	assert.False(t, result.IsBlocked)

	// Only the usage update itself: no time-saved credit.
	require.Len(t, stub.execCalls, 1)
}

func TestLedger_RecordTimeSpent_InvalidSeconds(t *testing.T) {
	ledger := newTestLedger(&stubDBTX{})

	for _, seconds := range []int{0, -5, types.MaxTrackSeconds + 1} {
		_, err := ledger.RecordTimeSpent(context.Background(), "user_1", "youtube.com", seconds)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeValidationInvalidSeconds, appErr.Code)
	}
}

func TestLedger_RecordTimeSpent_NotFound(t *testing.T) {
	stub := &stubDBTX{
		queryRowFn: func(sql string, args []any) pgx.Row { return errRow{pgx.ErrNoRows} },
	}
	ledger := newTestLedger(stub)

	_, err := ledger.RecordTimeSpent(context.Background(), "user_1", "unknown.com", 30)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSite, appErr.Code)
}

// --- GetSitesTimeStatus ---

func TestLedger_GetSitesTimeStatus_VirtualReset(t *testing.T) {
	fresh := trackedSite(600, 200)
	stale := trackedSite(900, 900)
	stale.ID = "user_1_reddit.com"
	stale.URL = "reddit.com"
	stale.LastResetDate = "2026-08-28"
	stale.IsBlocked = true
	until := time.Date(2026, 8, 29, 0, 0, 0, 0, testLoc)
	stale.BlockedUntil = &until

	stub := &stubDBTX{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return newSiteRows(fresh, stale), nil
		},
	}
	ledger := newTestLedger(stub)

	statuses, err := ledger.GetSitesTimeStatus(context.Background(), "user_1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, 400, statuses[0].TimeRemainingSecs)
	assert.Equal(t, 200, statuses[0].TimeSpentSecs)
	assert.False(t, statuses[0].IsBlocked)

	// The stale site reports a full budget and no block.
	assert.Equal(t, 900, statuses[1].TimeRemainingSecs)
	assert.Equal(t, 0, statuses[1].TimeSpentSecs)
	assert.False(t, statuses[1].IsBlocked)
	assert.Nil(t, statuses[1].BlockedUntil)

	// Read-only: the virtual reset is never written back.
	assert.Empty(t, stub.execCalls)
}

// --- ResetDailyTimes ---

func TestLedger_ResetDailyTimes_ReturnsCount(t *testing.T) {
	stub := &stubDBTX{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			assert.Contains(t, sql, "last_reset_date <> $1")
			assert.Equal(t, "2026-08-30", args[0])
			return pgconn.NewCommandTag("UPDATE 4"), nil
		},
	}
	ledger := newTestLedger(stub)

	n, err := ledger.ResetDailyTimes(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// --- NormalizeDomain ---

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"YouTube.com", "youtube.com"},
		{"https://www.youtube.com/watch?v=abc", "youtube.com"},
		{"http://Reddit.com:8080/r/golang", "reddit.com"},
		{"www.example.co.uk", "example.co.uk"},
		{"www.www.example.com", "example.com"},
		{"youtube.com", "youtube.com"},
		{"  twitter.com  ", "twitter.com"},
		{"not a url at all", "not a url at all"},
		{"::bad::", "::bad::"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDomain(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeDomain_Idempotent(t *testing.T) {
	inputs := []string{
		"YouTube.com",
		"https://www.news.ycombinator.com/item?id=1",
		"www.www.example.com",
		"::bad::",
		"http://",
		"[::1]:8080",
	}
	for _, in := range inputs {
		once := NormalizeDomain(in)
		assert.Equal(t, once, NormalizeDomain(once), "input %q", in)
	}
}
