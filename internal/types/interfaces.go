package types

import (
	"time"
)

// Clock abstracts time for testability. The site ledger and the override
// engine take a Clock so daily-reset and monthly-quota boundaries can be
// pinned in tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time.
type RealClock struct{}

// Now returns the current local time.
func (RealClock) Now() time.Time { return time.Now() }

// FixedClock implements Clock with a constant instant, for tests.
type FixedClock struct{ T time.Time }

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }
