// Package metrics exposes Prometheus instruments for datafeed runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace prefixes every metric.
	Namespace = "datafeeds"
)

// Metrics holds the run instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	RunDurationSeconds   *prometheus.HistogramVec
	LoginFailuresTotal   *prometheus.CounterVec
	TransformErrorsTotal *prometheus.CounterVec
}

// New creates and registers the instruments with reg, or the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Datafeed runs by datasource and final status",
		}, []string{"datasource", "status"}),
		RunDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of datafeed runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"datasource"}),
		LoginFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "login_failures_total",
			Help:      "Runs that failed to authenticate against their source",
		}, []string{"datasource"}),
		TransformErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transform_errors_total",
			Help:      "Readings transforms that failed and were skipped",
		}, []string{"transform"}),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(datasource, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(datasource, status).Inc()
	m.RunDurationSeconds.WithLabelValues(datasource).Observe(elapsed.Seconds())
}

// LoginFailure counts an authentication failure.
func (m *Metrics) LoginFailure(datasource string) {
	if m == nil {
		return
	}
	m.LoginFailuresTotal.WithLabelValues(datasource).Inc()
}

// TransformError counts a skipped transform.
func (m *Metrics) TransformError(transform string) {
	if m == nil {
		return
	}
	m.TransformErrorsTotal.WithLabelValues(transform).Inc()
}
