package pipeline

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run results used as the "result" label.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	Runs          *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	Listed        prometheus.Counter
	Matched       prometheus.Counter
	Forwarded     prometheus.Counter
	ItemsSkipped  *prometheus.CounterVec
	ItemsFailed   *prometheus.CounterVec
	LastSuccessTS prometheus.Gauge
	registry      *prometheus.Registry
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recording_relay_runs_total",
				Help: "Timer firings by result",
			},
			[]string{"result"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recording_relay_run_duration_seconds",
				Help:    "Wall time of a completed run",
				Buckets: prometheus.DefBuckets,
			},
		),
		Listed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recording_relay_items_listed_total",
			Help: "Drive items returned by listing",
		}),
		Matched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recording_relay_items_matched_total",
			Help: "Items that passed the recency and audio filter",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recording_relay_items_forwarded_total",
			Help: "Recordings accepted by the processing endpoint",
		}),
		ItemsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recording_relay_items_skipped_total",
				Help: "Matched items skipped because they or their content vanished",
			},
			[]string{"reason"},
		),
		ItemsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recording_relay_items_failed_total",
				Help: "Matched items that failed, by stage",
			},
			[]string{"stage"},
		),
		LastSuccessTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recording_relay_last_success_timestamp_seconds",
			Help: "Unix time of the last run that finished without failures",
		}),
		registry: registry,
	}

	registry.MustRegister(m.Runs, m.RunDuration, m.Listed, m.Matched, m.Forwarded,
		m.ItemsSkipped, m.ItemsFailed, m.LastSuccessTS)

	return m
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
