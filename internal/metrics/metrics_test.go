package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRun("octopus", "SUCCEEDED", 2*time.Second)
	m.ObserveRun("octopus", "SUCCEEDED", time.Second)
	m.ObserveRun("octopus", "FAILED", time.Second)
	m.LoginFailure("geotogether")
	m.TransformError("outliers")

	require.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("octopus", "SUCCEEDED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("octopus", "FAILED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LoginFailuresTotal.WithLabelValues("geotogether")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TransformErrorsTotal.WithLabelValues("outliers")))
	require.Equal(t, 1, testutil.CollectAndCount(m.RunDurationSeconds))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun("x", "FAILED", time.Second)
	m.LoginFailure("x")
	m.TransformError("x")
}
