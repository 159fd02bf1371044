// Package daterange implements an inclusive calendar-date interval.
package daterange

import (
	"fmt"
	"iter"
	"time"
)

// Layout is the ISO calendar date layout used for parsing and map keys.
const Layout = "2006-01-02"

const day = 24 * time.Hour

// DateRange is an inclusive interval of calendar dates. Both ends are midnight UTC.
// Callers are responsible for keeping Start <= End.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// New builds a DateRange from the calendar dates of start and end, as seen in their own locations.
func New(start, end time.Time) DateRange {
	return DateRange{Start: Date(start), End: Date(end)}
}

// Date truncates t to its calendar date at midnight UTC.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Parse parses an ISO date (YYYY-MM-DD).
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Iterate yields every date from Start to End inclusive. The sequence can be ranged over repeatedly.
func (r DateRange) Iterate() iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
			if !yield(d) {
				return
			}
		}
	}
}

// SplitIter yields contiguous, non-overlapping sub-ranges covering r. Each sub-range spans at
// most chunk (End - Start <= chunk) and the next one starts the day after the previous ends.
// Chunks shorter than a day are treated as a single day.
func (r DateRange) SplitIter(chunk time.Duration) iter.Seq[DateRange] {
	days := int(chunk / day)
	return func(yield func(DateRange) bool) {
		for start := r.Start; !start.After(r.End); {
			end := start.AddDate(0, 0, days)
			if end.After(r.End) {
				end = r.End
			}
			if !yield(DateRange{Start: start, End: end}) {
				return
			}
			start = end.AddDate(0, 0, 1)
		}
	}
}

// Intersects reports whether the closed intervals overlap. Touching endpoints count.
func (r DateRange) Intersects(other DateRange) bool {
	return !r.Start.After(other.End) && !other.Start.After(r.End)
}

// Contains reports whether the calendar date of t lies inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Date(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days returns the number of dates in the range.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start)/day) + 1
}

// Equal reports structural equality on (Start, End).
func (r DateRange) Equal(other DateRange) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}

func (r DateRange) String() string {
	return r.Start.Format(Layout) + " - " + r.End.Format(Layout)
}
