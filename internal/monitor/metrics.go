package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the CLI and the stub service.
type Metrics struct {
	Registry *prometheus.Registry

	QueriesTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	BilledUnitsTotal prometheus.Counter
	RowsReturned     prometheus.Histogram
	APIRequestsTotal *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec
	JobPollsTotal    prometheus.Counter
	JobOutcomesTotal *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	StubJobsActive   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "insight",
				Name:      "queries_total",
				Help:      "Total number of queries issued by mode and outcome.",
			},
			[]string{"mode", "status"},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "insight",
				Name:      "query_duration_seconds",
				Help:      "Duration of remote query calls in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		BilledUnitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "insight",
				Name:      "billed_units_total",
				Help:      "Billed units reported by the query service for this session.",
			},
		),

		RowsReturned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "insight",
				Name:      "rows_returned",
				Help:      "Number of result rows per page.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "insight",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Remote API requests by endpoint and HTTP status code.",
			},
			[]string{"endpoint", "code"},
		),

		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "insight",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of remote API requests.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),

		JobPollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "insight",
				Subsystem: "download",
				Name:      "polls_total",
				Help:      "Status polls issued while waiting for download jobs.",
			},
		),

		JobOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "insight",
				Subsystem: "download",
				Name:      "outcomes_total",
				Help:      "Download job waits by final outcome.",
			},
			[]string{"outcome"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "insight",
				Subsystem: "stub",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed by the stub service.",
			},
		),

		StubJobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "insight",
				Subsystem: "stub",
				Name:      "jobs_active",
				Help:      "Download jobs in the stub service that have not reached a terminal state.",
			},
		),
	}

	reg.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.BilledUnitsTotal,
		m.RowsReturned,
		m.APIRequestsTotal,
		m.APILatency,
		m.JobPollsTotal,
		m.JobOutcomesTotal,
		m.RequestsInFlight,
		m.StubJobsActive,
	)

	return m
}

// RecordQuery records one query call. billed is ignored for failed or cached calls.
func (m *Metrics) RecordQuery(mode, status string, durationSec float64, rows int, billed int64) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(mode, status).Inc()
	if status != "ok" {
		return
	}
	m.QueryDuration.WithLabelValues(mode).Observe(durationSec)
	m.RowsReturned.Observe(float64(rows))
	if billed > 0 {
		m.BilledUnitsTotal.Add(float64(billed))
	}
}

// RecordAPIRequest records a remote call. code 0 means the request never got a response.
func (m *Metrics) RecordAPIRequest(endpoint string, code int, durationSec float64) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = fmt.Sprintf("%d", code)
	}
	m.APIRequestsTotal.WithLabelValues(endpoint, label).Inc()
	m.APILatency.WithLabelValues(endpoint).Observe(durationSec)
}

// RecordPoll counts one job status poll.
func (m *Metrics) RecordPoll() {
	if m == nil {
		return
	}
	m.JobPollsTotal.Inc()
}

// RecordJobOutcome counts the final outcome of a wait (completed, failed, timeout, interrupted, error).
func (m *Metrics) RecordJobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomesTotal.WithLabelValues(outcome).Inc()
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
