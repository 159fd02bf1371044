// Package transforms holds the post-collection passes that can be applied to readings.
// The set of transforms is closed: each ID maps to one pure function.
package transforms

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

// ID names a transform.
type ID string

const (
	// Negatives clears negative readings.
	Negatives ID = "negatives"
	// Outliers clears readings far above the typical level of the series.
	Outliers ID = "outliers"
	// ZeroDays reports days whose readings are all zero. It does not change data.
	ZeroDays ID = "zero_days"
)

// DefaultOutlierFactor is the number of scaled median absolute deviations above the median
// beyond which a reading is an outlier.
const DefaultOutlierFactor = 10.0

// ErrShape is returned when a day's slot count does not match the resolution.
var ErrShape = errors.New("readings do not match resolution")

// ErrUnknown is returned by Parse for names outside the closed set.
var ErrUnknown = errors.New("unknown transform")

// Context carries the parameters a transform may need.
type Context struct {
	Resolution    time.Duration
	OutlierFactor float64
}

// Issue records one thing a transform changed or noticed.
type Issue struct {
	Transform ID       `json:"transform"`
	Date      string   `json:"date"`
	Slot      int      `json:"slot"`
	Value     *float64 `json:"value,omitempty"`
	Message   string   `json:"message"`
}

// Func is the uniform transform signature. Implementations never modify their input.
type Func func(timeline.Readings, Context) (timeline.Readings, []Issue, error)

var table = map[ID]Func{
	Negatives: negatives,
	Outliers:  outliers,
	ZeroDays:  zeroDays,
}

// Lookup returns the function for id.
func Lookup(id ID) (Func, bool) {
	fn, ok := table[id]
	return fn, ok
}

// Parse validates a transform name.
func Parse(name string) (ID, error) {
	id := ID(name)
	if _, ok := table[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return id, nil
}

// All lists every transform ID in a stable order.
func All() []ID {
	ids := make([]ID, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Result is the outcome of Apply.
type Result struct {
	Readings timeline.Readings
	Issues   []Issue
	Failed   map[ID]error
}

// Apply runs ids in order. A failing transform is recorded in Failed and its effect skipped;
// the readings carry on unchanged into the next transform.
func Apply(r timeline.Readings, ctx Context, ids []ID) Result {
	res := Result{Readings: r, Failed: map[ID]error{}}
	for _, id := range ids {
		fn, ok := table[id]
		if !ok {
			res.Failed[id] = fmt.Errorf("%w: %q", ErrUnknown, id)
			continue
		}
		out, issues, err := fn(res.Readings, ctx)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		res.Readings = out
		res.Issues = append(res.Issues, issues...)
	}
	return res
}

func checkShape(r timeline.Readings, ctx Context) error {
	if ctx.Resolution <= 0 {
		return fmt.Errorf("%w: resolution %s", ErrShape, ctx.Resolution)
	}
	want := int(24 * time.Hour / ctx.Resolution)
	for date, values := range r {
		if len(values) != want {
			return fmt.Errorf("%w: %s has %d slots, want %d", ErrShape, date, len(values), want)
		}
	}
	return nil
}

func sortedDates(r timeline.Readings) []string {
	dates := make([]string, 0, len(r))
	for date := range r {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

func negatives(in timeline.Readings, ctx Context) (timeline.Readings, []Issue, error) {
	if err := checkShape(in, ctx); err != nil {
		return nil, nil, err
	}
	out := in.Clone()
	var issues []Issue
	for _, date := range sortedDates(out) {
		for i, v := range out[date] {
			if v != nil && *v < 0 {
				issues = append(issues, Issue{
					Transform: Negatives, Date: date, Slot: i, Value: v,
					Message: "negative reading removed",
				})
				out[date][i] = nil
			}
		}
	}
	return out, issues, nil
}

func outliers(in timeline.Readings, ctx Context) (timeline.Readings, []Issue, error) {
	if err := checkShape(in, ctx); err != nil {
		return nil, nil, err
	}
	factor := ctx.OutlierFactor
	if factor <= 0 {
		factor = DefaultOutlierFactor
	}

	var values []float64
	for _, day := range in {
		for _, v := range day {
			if v != nil {
				values = append(values, *v)
			}
		}
	}
	out := in.Clone()
	if len(values) < 3 {
		return out, nil, nil
	}

	med := median(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	mad := median(deviations) * 1.4826
	if mad == 0 {
		return out, nil, nil
	}
	limit := med + factor*mad

	var issues []Issue
	for _, date := range sortedDates(out) {
		for i, v := range out[date] {
			if v != nil && *v > limit {
				issues = append(issues, Issue{
					Transform: Outliers, Date: date, Slot: i, Value: v,
					Message: fmt.Sprintf("reading above outlier limit %.3f", limit),
				})
				out[date][i] = nil
			}
		}
	}
	return out, issues, nil
}

func zeroDays(in timeline.Readings, ctx Context) (timeline.Readings, []Issue, error) {
	if err := checkShape(in, ctx); err != nil {
		return nil, nil, err
	}
	var issues []Issue
	for _, date := range sortedDates(in) {
		zero, seen := true, false
		for _, v := range in[date] {
			if v == nil {
				continue
			}
			seen = true
			if *v != 0 {
				zero = false
				break
			}
		}
		if seen && zero {
			issues = append(issues, Issue{Transform: ZeroDays, Date: date, Slot: -1, Message: "all readings are zero"})
		}
	}
	return in, issues, nil
}

func median(values []float64) float64 {
	s := slices.Clone(values)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
