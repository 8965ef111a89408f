package attendance

import (
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Policy holds the accrual rules.
type Policy struct {
	// OfficeStart is the late cutoff as an offset from local midnight.
	// A first sighting strictly after it is Late.
	OfficeStart time.Duration
	// WorkGap is the longest absence still counted as continuous presence.
	WorkGap time.Duration
	// Throttle is the minimum interval between two mark events for one identity.
	Throttle time.Duration
	// Location is the time zone calendar days are computed in. Nil means time.Local.
	Location *time.Location
}

// DefaultPolicy returns 09:00 start, 5 minute work gap and 5 minute throttle.
func DefaultPolicy() Policy {
	return Policy{
		OfficeStart: 9 * time.Hour,
		WorkGap:     300 * time.Second,
		Throttle:    300 * time.Second,
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// DateKey returns the calendar day ts falls on.
func (p Policy) DateKey(ts time.Time) string {
	return ts.In(p.loc()).Format(types.DateLayout)
}

// StatusFor returns Late when ts is strictly after the office start on its day.
func (p Policy) StatusFor(ts time.Time) types.Status {
	local := ts.In(p.loc())
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	if sinceMidnight > p.OfficeStart {
		return types.StatusLate
	}
	return types.StatusPresent
}

// credit is the work time a gap between two consecutive sightings contributes.
func (p Policy) credit(gap time.Duration) float64 {
	if gap > 0 && gap < p.WorkGap {
		return gap.Seconds()
	}
	return 0
}
