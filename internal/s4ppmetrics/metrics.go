// Package s4ppmetrics provides Prometheus metrics for the S4PP collector,
// grounded on postalsys-Muti-Metroo's internal/metrics package: a single
// struct of promauto-registered collectors grouped by concern, built via a
// New(reg) constructor so tests can use a private registry.
package s4ppmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "s4pp"

// Metrics holds every Prometheus collector the server engine updates.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	SequencesCommitted prometheus.Counter
	SequencesRejected  *prometheus.CounterVec
	SequencesAborted   prometheus.Counter
	SamplesIngested    prometheus.Counter

	AuthFailures      prometheus.Counter
	SignatureFailures prometheus.Counter
	SinkFailures      prometheus.Counter

	HideActivations       prometheus.Counter
	NotificationsSent     prometheus.Counter
	NotificationsDropped  prometheus.Counter

	SequenceCommitLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns a process-wide Metrics instance registered against the
// default Prometheus registry.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates a Metrics instance registered against reg — pass a fresh
// prometheus.NewRegistry() from tests to avoid collisions with Default.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live S4PP sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of S4PP sessions accepted",
		}),
		SequencesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_committed_total",
			Help:      "Total number of sequences successfully committed",
		}),
		SequencesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_rejected_total",
			Help:      "Total number of sequences rejected, by reason",
		}, []string{"reason"}),
		SequencesAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_aborted_total",
			Help:      "Total number of sequences aborted before SIG",
		}),
		SamplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Total number of samples ingested across all sequences",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of AUTH rejections",
		}),
		SignatureFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_failures_total",
			Help:      "Total number of SIG mismatches",
		}),
		SinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Total number of sink commit failures (NOK)",
		}),
		HideActivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hide_activations_total",
			Help:      "Total number of successful HIDE activations",
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of NTFY lines written to clients",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total number of notifications dropped due to bounded queue capacity",
		}),
		SequenceCommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sequence_commit_latency_seconds",
			Help:      "Latency of sink.Commit calls",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}
