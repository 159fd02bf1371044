package bills

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func d(m time.Month, day int) time.Time {
	return time.Date(2021, m, day, 0, 0, 0, 0, time.UTC)
}

func bill(start, end time.Time, cost float64) BillingDatum {
	return BillingDatum{Start: start, End: end, StatementDate: end, Cost: cost}
}

func TestAdjustBillDatesOverlap(t *testing.T) {
	a := bill(d(1, 1), d(1, 31), 100)
	b := bill(d(1, 15), d(2, 15), 120)

	got := AdjustBillDates([]BillingDatum{b, a})

	require.Len(t, got, 2)
	require.Equal(t, a, got[0])
	require.Equal(t, d(2, 1), got[1].Start)
	require.Equal(t, d(2, 15), got[1].End)
	require.Equal(t, 120.0, got[1].Cost)

	require.Equal(t, got, AdjustBillDates(got), "second pass is a no-op")
}

func TestAdjustBillDatesTouching(t *testing.T) {
	a := bill(d(1, 1), d(1, 31), 100)
	b := bill(d(1, 31), d(2, 28), 90)

	got := AdjustBillDates([]BillingDatum{a, b})
	require.Equal(t, d(2, 1), got[1].Start)
}

func TestAdjustBillDatesLeavesInputAlone(t *testing.T) {
	in := []BillingDatum{bill(d(1, 15), d(2, 15), 1), bill(d(1, 1), d(1, 31), 2)}

	AdjustBillDates(in)

	require.Equal(t, d(1, 15), in[0].Start)
	require.Equal(t, d(1, 1), in[1].Start)
}

func TestAdjustBillDatesNoOverlap(t *testing.T) {
	in := []BillingDatum{
		bill(d(3, 1), d(3, 31), 3),
		bill(d(1, 1), d(1, 31), 1),
		bill(d(2, 1), d(2, 28), 2),
	}
	got := AdjustBillDates(in)
	require.Equal(t, []BillingDatum{in[1], in[2], in[0]}, got)
}

func TestAdjustBillDatesDuplicates(t *testing.T) {
	a := bill(d(1, 1), d(1, 31), 100)
	dup := bill(d(1, 1), d(1, 31), 101)
	c := bill(d(1, 20), d(2, 20), 50)

	got := AdjustBillDates([]BillingDatum{a, dup, c})

	require.Len(t, got, 2, "the duplicate is fully covered")
	require.Equal(t, 100.0, got[0].Cost, "ties keep original order")
	require.Equal(t, d(2, 1), got[1].Start)
	require.Equal(t, 50.0, got[1].Cost)
}

func TestAdjustBillDatesDropsCoveredBill(t *testing.T) {
	a := bill(d(1, 1), d(1, 31), 100)
	inner := bill(d(1, 10), d(1, 20), 5)
	b := bill(d(1, 25), d(2, 25), 80)

	got := AdjustBillDates([]BillingDatum{inner, b, a})

	require.Len(t, got, 2)
	require.Equal(t, a, got[0])
	require.Equal(t, d(2, 1), got[1].Start)
	require.Equal(t, 80.0, got[1].Cost)
}

func TestAdjustBillDatesRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for range 200 {
		var in []BillingDatum
		for range rng.Intn(12) + 1 {
			start := d(1, 1).AddDate(0, 0, rng.Intn(300))
			in = append(in, bill(start, start.AddDate(0, 0, 20+rng.Intn(20)), float64(rng.Intn(500))))
		}

		got := AdjustBillDates(in)
		require.LessOrEqual(t, len(got), len(in))
		for i := 1; i < len(got); i++ {
			require.False(t, got[i].Start.Before(got[i-1].Start), "sorted by start")
		}
		for i := range got {
			require.False(t, got[i].Start.After(got[i].End))
			for j := range i {
				require.False(t, overlaps(got[i], got[j]), "bills %d and %d overlap", j, i)
			}
		}
		require.Equal(t, got, AdjustBillDates(got))
	}
}
