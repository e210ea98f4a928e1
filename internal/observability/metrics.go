// File: internal/observability/metrics.go
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters for one process run. A private registry is used so
// the textfile only carries login metrics and tests can create fresh instances.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PollAttempts  *prometheus.CounterVec
	LoginOutcomes *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	LastRun       prometheus.Gauge
}

// NewMetrics registers the login metrics on a new registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_login",
			Name:      "otp_poll_attempts_total",
			Help:      "Mailbox queries issued while waiting for an OTP, by result.",
		}, []string{"result"}),
		LoginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_login",
			Name:      "outcomes_total",
			Help:      "Terminal login states, by state and failure kind.",
		}, []string{"state", "kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal_login",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each login transition.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal_login",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last login attempt finished.",
		}),
	}
	m.registry.MustRegister(m.PollAttempts, m.LoginOutcomes, m.StageDuration, m.LastRun)
	return m
}

// ObservePoll counts one mailbox query. result is one of "match", "empty", "error".
func (m *Metrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(result).Inc()
}

// ObserveStage records how long a transition took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveOutcome records the terminal state of a run.
func (m *Metrics) ObserveOutcome(state, kind string) {
	if m == nil {
		return
	}
	m.LoginOutcomes.WithLabelValues(state, kind).Inc()
	m.LastRun.SetToCurrentTime()
}

// Registry exposes the underlying gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in the node-exporter textfile format.
// The write goes through a temporary file and rename, so collectors never
// read a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile '%s': %w", path, err)
	}
	return nil
}
