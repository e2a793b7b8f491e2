// Package metrics holds the provider node's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oracle_node"

// Metrics is one registry plus the collectors registered on it. Each node
// owns its own instance so tests can run in parallel.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested *prometheus.CounterVec
	ForgedEvents   prometheus.Counter
	JobsCreated    prometheus.Counter
	Transitions    *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	SubmitFailures *prometheus.CounterVec
	DeadLettered   prometheus.Counter
	LockContention prometheus.Counter
	LocksLost      prometheus.Counter
	Cursor         *prometheus.GaugeVec
	QueueDepth     prometheus.Gauge
	FetchDuration  prometheus.Histogram
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Router events applied to the job store, by kind.",
		}, []string{"kind"}),
		ForgedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "forged_events_total",
			Help:      "DataRequested events whose ID did not recompute.",
		}),
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Jobs inserted by ingestion.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job status transitions, by target status.",
		}, []string{"to"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "transactions_total",
			Help:      "Fulfilment transactions sent, by kind (first, resubmit, rebroadcast).",
		}, []string{"kind"}),
		SubmitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "failures_total",
			Help:      "Failed job steps, by class.",
		}, []string{"class"}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "dead_lettered_total",
			Help:      "Jobs pushed to the dead-letter list.",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "lock_contention_total",
			Help:      "Job steps skipped because another worker held the lock.",
		}),
		LocksLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "locks_lost_total",
			Help:      "Job steps abandoned because their lock expired or was taken over.",
		}),
		Cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "cursor_height",
			Help:      "Last fully processed block height, by event kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Job IDs waiting in the work queue.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Data source fetch latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests handled.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method", "path"}),
	}
	m.Registry.MustRegister(
		m.EventsIngested,
		m.ForgedEvents,
		m.JobsCreated,
		m.Transitions,
		m.Submissions,
		m.SubmitFailures,
		m.DeadLettered,
		m.LockContention,
		m.LocksLost,
		m.Cursor,
		m.QueueDepth,
		m.FetchDuration,
		m.HTTPRequests,
		m.HTTPDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
