package types

// Validation constraint constants.
const (
	MinTimeLimitSecs = 60           // one minute
	MaxTimeLimitSecs = 24 * 60 * 60 // a full day
	MaxDomainLength  = 253
	MaxNameLength    = 200
	MaxOverrideQty   = 100
	MaxTrackSeconds  = 3600 // one tracking ping covers at most an hour
)

// DateLayout is the storage format for last_reset_date and daily_usage keys.
const DateLayout = "2006-01-02"

// MonthLayout is the storage format for override_monthly_stats.month.
const MonthLayout = "2006-01"
