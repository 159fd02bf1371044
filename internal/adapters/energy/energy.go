// Package energy turns interval energy readings from vendor APIs into
// timeline power readings and monthly bills.
//
// Sources report energy (kWh) per native interval. The timeline holds average
// power (kW) per slot, so a native interval longer than the slot is spread
// evenly over the slots it covers and shorter intervals are summed into the
// slot that contains them.
package energy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/bills"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

// ErrInterval is returned by Add for a non-positive interval.
var ErrInterval = errors.New("interval must be positive")

// Sample is the energy used over one native interval.
type Sample struct {
	Start    time.Time
	Interval time.Duration
	KWh      float64
	// Cost in currency units. Nil when the source does not price the interval.
	Cost *float64
}

// KW returns the average power over the interval.
func (s Sample) KW() float64 {
	return s.KWh / s.Interval.Hours()
}

// Series collects samples keyed by start time. A later sample for the same
// start replaces the earlier one, so overlapping pages are harmless.
type Series struct {
	loc     *time.Location
	samples map[time.Time]Sample
}

// NewSeries returns an empty series that places samples on calendar days in loc.
func NewSeries(loc *time.Location) *Series {
	if loc == nil {
		loc = time.UTC
	}
	return &Series{loc: loc, samples: map[time.Time]Sample{}}
}

// Add records a sample.
func (s *Series) Add(sample Sample) error {
	if sample.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInterval, sample.Interval)
	}
	sample.Start = sample.Start.In(s.loc)
	s.samples[sample.Start.UTC()] = sample
	return nil
}

// Len returns the number of samples.
func (s *Series) Len() int { return len(s.samples) }

// Samples returns the samples in start order.
func (s *Series) Samples() []Sample {
	keys := slices.SortedFunc(maps.Keys(s.samples), func(a, b time.Time) int { return a.Compare(b) })
	out := make([]Sample, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.samples[k])
	}
	return out
}

// Last returns the latest sample.
func (s *Series) Last() (Sample, bool) {
	samples := s.Samples()
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

// Fill writes the series into tl as kW and returns the number of slots written.
func (s *Series) Fill(tl *timeline.Timeline) int {
	res := tl.Resolution()
	energy := map[time.Time]float64{}
	for _, sample := range s.samples {
		if sample.Interval > res && sample.Interval%res == 0 {
			parts := int(sample.Interval / res)
			for i := range parts {
				energy[s.slot(sample.Start.Add(time.Duration(i)*res), res)] += sample.KWh / float64(parts)
			}
			continue
		}
		energy[s.slot(sample.Start, res)] += sample.KWh
	}

	written := 0
	for slot, kwh := range energy {
		if tl.Insert(slot, kwh/res.Hours()) {
			written++
		}
	}
	return written
}

// slot returns the wall-clock start of the slot containing t.
func (s *Series) slot(t time.Time, res time.Duration) time.Time {
	t = t.In(s.loc)
	minutes := t.Hour()*60 + t.Minute()
	step := int(res / time.Minute)
	minutes -= minutes % step
	return time.Date(t.Year(), t.Month(), t.Day(), minutes/60, minutes%60, 0, 0, s.loc)
}

// MonthlyBills summarises the samples inside dr per calendar month. A month
// that ends after dr.End is returned as a partial bill.
func (s *Series) MonthlyBills(dr daterange.DateRange, utilityCode string) (full, partial []bills.BillingDatum) {
	type month struct {
		used, cost, peak float64
		priced           bool
	}
	months := map[time.Time]*month{}
	for _, sample := range s.samples {
		day := daterange.Date(sample.Start.In(s.loc))
		if !dr.Contains(day) {
			continue
		}
		key := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		m, ok := months[key]
		if !ok {
			m = &month{}
			months[key] = m
		}
		m.used += sample.KWh
		m.peak = max(m.peak, sample.KW())
		if sample.Cost != nil {
			m.cost += *sample.Cost
			m.priced = true
		}
	}

	for _, key := range slices.SortedFunc(maps.Keys(months), func(a, b time.Time) int { return a.Compare(b) }) {
		m := months[key]
		monthEnd := key.AddDate(0, 1, -1)
		start, end := key, monthEnd
		if start.Before(dr.Start) {
			start = dr.Start
		}
		if end.After(dr.End) {
			end = dr.End
		}
		used, peak := m.used, m.peak
		bill := bills.BillingDatum{
			Start:         start,
			End:           end,
			StatementDate: end,
			Cost:          m.cost,
			Used:          &used,
			Peak:          &peak,
			UtilityCode:   utilityCode,
			Items: []bills.Item{{
				Description: "Energy",
				Quantity:    &used,
				Total:       m.cost,
				Unit:        "kWh",
			}},
		}
		if !m.priced {
			bill.Items = nil
		}
		if monthEnd.After(dr.End) {
			partial = append(partial, bill)
		} else {
			full = append(full, bill)
		}
	}
	return full, partial
}
