// Package timeline accumulates interval readings into a fixed-resolution per-day grid.
package timeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/daterange"
)

// DefaultResolution is the canonical interval width (96 slots per day).
const DefaultResolution = 15 * time.Minute

// ErrResolution is returned when the resolution does not evenly divide a day.
var ErrResolution = errors.New("resolution must evenly divide 24h")

// Readings maps an ISO date to the ordered slot values for that day. A nil slot means no data.
type Readings map[string][]*float64

// Timeline is a per-day grid of optional readings bounded by a DateRange.
// It is not safe for concurrent use; a single run owns it.
type Timeline struct {
	dates      daterange.DateRange
	resolution time.Duration
	slots      int
	days       map[string][]*float64
}

// New creates an empty Timeline for every day in dr.
func New(dr daterange.DateRange, resolution time.Duration) (*Timeline, error) {
	if resolution <= 0 || (24*time.Hour)%resolution != 0 || resolution%time.Minute != 0 {
		return nil, fmt.Errorf("%w: %s", ErrResolution, resolution)
	}
	tl := &Timeline{
		dates:      dr,
		resolution: resolution,
		slots:      int(24 * time.Hour / resolution),
		days:       make(map[string][]*float64, dr.Days()),
	}
	for d := range dr.Iterate() {
		tl.days[d.Format(daterange.Layout)] = make([]*float64, tl.slots)
	}
	return tl, nil
}

// Insert writes value into the slot containing ts, using ts's wall clock. The last write
// to a slot wins. Timestamps outside the range are dropped and Insert reports false.
func (tl *Timeline) Insert(ts time.Time, value float64) bool {
	day, ok := tl.days[ts.Format(daterange.Layout)]
	if !ok {
		return false
	}
	v := value
	day[tl.slot(ts)] = &v
	return true
}

// Lookup returns the value stored for ts, or nil.
func (tl *Timeline) Lookup(ts time.Time) *float64 {
	day, ok := tl.days[ts.Format(daterange.Layout)]
	if !ok {
		return nil
	}
	v := day[tl.slot(ts)]
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Serialize returns a copy of the grid with one entry per day in the range.
func (tl *Timeline) Serialize() Readings {
	return Readings(tl.days).Clone()
}

// Resolution returns the slot width.
func (tl *Timeline) Resolution() time.Duration { return tl.resolution }

// Slots returns the number of slots per day.
func (tl *Timeline) Slots() int { return tl.slots }

// Range returns the dates covered.
func (tl *Timeline) Range() daterange.DateRange { return tl.dates }

func (tl *Timeline) slot(ts time.Time) int {
	minutes := ts.Hour()*60 + ts.Minute()
	return minutes / int(tl.resolution/time.Minute)
}

// Clone deep-copies the readings.
func (r Readings) Clone() Readings {
	out := make(Readings, len(r))
	for key, values := range r {
		row := make([]*float64, len(values))
		for i, v := range values {
			if v != nil {
				c := *v
				row[i] = &c
			}
		}
		out[key] = row
	}
	return out
}
