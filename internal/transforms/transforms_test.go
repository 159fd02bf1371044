package transforms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

func f(v float64) *float64 { return &v }

func day(values map[int]float64) []*float64 {
	out := make([]*float64, 96)
	for i, v := range values {
		out[i] = f(v)
	}
	return out
}

var ctx15 = Context{Resolution: 15 * time.Minute}

func TestNegatives(t *testing.T) {
	in := timeline.Readings{"2021-01-01": day(map[int]float64{0: 1, 1: -2, 2: 0})}

	out, issues, err := negatives(in, ctx15)
	require.NoError(t, err)
	require.Nil(t, out["2021-01-01"][1])
	require.Equal(t, 0.0, *out["2021-01-01"][2])
	require.Len(t, issues, 1)
	require.Equal(t, 1, issues[0].Slot)
	require.Equal(t, -2.0, *issues[0].Value)

	require.Equal(t, -2.0, *in["2021-01-01"][1], "input is untouched")
}

func TestOutliers(t *testing.T) {
	values := map[int]float64{}
	for i := range 96 {
		values[i] = 1 + float64(i%4)*0.1
	}
	values[40] = 500
	in := timeline.Readings{"2021-01-01": day(values), "2021-01-02": day(nil)}

	out, issues, err := outliers(in, ctx15)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, Outliers, issues[0].Transform)
	require.Equal(t, 40, issues[0].Slot)
	require.Nil(t, out["2021-01-01"][40])
	require.NotNil(t, out["2021-01-01"][41])
}

func TestOutliersFlatSeries(t *testing.T) {
	in := timeline.Readings{"2021-01-01": day(map[int]float64{0: 2, 1: 2, 2: 2, 3: 2})}
	out, issues, err := outliers(in, ctx15)
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Equal(t, in, out)
}

func TestZeroDays(t *testing.T) {
	in := timeline.Readings{
		"2021-01-01": day(map[int]float64{0: 0, 5: 0}),
		"2021-01-02": day(map[int]float64{0: 0, 5: 1}),
		"2021-01-03": day(nil),
	}
	_, issues, err := zeroDays(in, ctx15)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, "2021-01-01", issues[0].Date)
}

func TestShapeMismatchIsAnError(t *testing.T) {
	in := timeline.Readings{"2021-01-01": make([]*float64, 48)}
	for _, id := range All() {
		fn, ok := Lookup(id)
		require.True(t, ok)
		_, _, err := fn(in, ctx15)
		require.ErrorIs(t, err, ErrShape, "transform %s", id)
	}
}

func TestApplySkipsFailingTransform(t *testing.T) {
	in := timeline.Readings{"2021-01-01": day(map[int]float64{0: -1, 1: 3})}

	res := Apply(in, ctx15, []ID{Negatives, ID("bogus"), ZeroDays})
	require.Nil(t, res.Readings["2021-01-01"][0])
	require.Len(t, res.Failed, 1)
	require.ErrorIs(t, res.Failed["bogus"], ErrUnknown)
	require.Len(t, res.Issues, 1)

	res = Apply(in, Context{Resolution: 30 * time.Minute}, []ID{Negatives})
	require.ErrorIs(t, res.Failed[Negatives], ErrShape)
	require.Equal(t, in, res.Readings, "a failed transform keeps the collected data")
}

func TestParse(t *testing.T) {
	id, err := Parse("outliers")
	require.NoError(t, err)
	require.Equal(t, Outliers, id)

	_, err = Parse("smooth")
	require.ErrorIs(t, err, ErrUnknown)
	require.Equal(t, []ID{Negatives, Outliers, ZeroDays}, All())
}
