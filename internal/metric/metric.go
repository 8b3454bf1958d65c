// Package metric exposes the process's Prometheus instrumentation. One
// Metrics value is shared by the pipeline, the HTTP handlers, and the
// background jobs; a nil *Metrics turns every recording method into a
// no-op so library callers and tests can skip wiring it.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. Construct with New; the zero
// value is not usable but a nil pointer is.
type Metrics struct {
	registry *prometheus.Registry

	eventsIngested   *prometheus.CounterVec
	eventsShed       prometheus.Counter
	quotaRejections  prometheus.Counter
	evaluations      *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	alertsSuppressed prometheus.Counter
	digestsSent      prometheus.Counter
	retentionDeletes *prometheus.CounterVec
}

// New builds a Metrics backed by its own registry, so two instances in
// one process (as in tests) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		eventsIngested: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "events_ingested_total",
			Help:      "Events received on the ingest endpoint, by outcome.",
		}, []string{"outcome"}),
		eventsShed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "events_shed_total",
			Help:      "Accepted events dropped because the evaluation queue was full.",
		}),
		quotaRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by the per-project rate limiter.",
		}),
		evaluations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "rule_evaluations_total",
			Help:      "Alert rule evaluations, by outcome.",
		}, []string{"outcome"}),
		dispatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "dispatches_total",
			Help:      "Notification deliveries, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		alertsSuppressed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "alerts_suppressed_total",
			Help:      "Triggered alerts swallowed by a cooldown window.",
		}),
		digestsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "digests_sent_total",
			Help:      "Digest emails delivered by the flusher.",
		}),
		retentionDeletes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "retention_deletes_total",
			Help:      "Rows removed by the retention sweeper, by kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterServerInfo publishes the version gauge and an uptime gauge
// computed from start at scrape time.
func (m *Metrics) RegisterServerInfo(version string, start time.Time) {
	if m == nil {
		return
	}
	info := promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "faultline",
		Name:      "info",
		Help:      "Server version and metadata.",
	}, []string{"version"})
	info.WithLabelValues(version).Set(1)

	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "faultline",
		Name:      "uptime_seconds",
		Help:      "Seconds since server start.",
	}, func() float64 {
		return time.Since(start).Seconds()
	})
}

// RegisterQueueGauges publishes the evaluation queue's depth and
// capacity. The depth callback runs at scrape time.
func (m *Metrics) RegisterQueueGauges(depth func() int, capacity int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "faultline",
		Name:      "pipeline_queue_depth",
		Help:      "Events waiting for rule evaluation.",
	}, func() float64 {
		return float64(depth())
	})

	capGauge := promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "faultline",
		Name:      "pipeline_queue_capacity",
		Help:      "Total capacity of the evaluation queue.",
	})
	capGauge.Set(float64(capacity))
}

// EventIngested records one ingest request. Outcome is one of
// "accepted", "degraded", or "invalid".
func (m *Metrics) EventIngested(outcome string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(outcome).Inc()
}

// EventShed records an accepted event dropped at the queue.
func (m *Metrics) EventShed() {
	if m == nil {
		return
	}
	m.eventsShed.Inc()
}

// QuotaRejected records a request refused by the rate limiter.
func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// RuleEvaluated records one rule evaluation.
func (m *Metrics) RuleEvaluated(triggered bool) {
	if m == nil {
		return
	}
	outcome := "passed"
	if triggered {
		outcome = "triggered"
	}
	m.evaluations.WithLabelValues(outcome).Inc()
}

// AlertSuppressed records a dispatch swallowed by cooldown.
func (m *Metrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.alertsSuppressed.Inc()
}

// Dispatched records one channel delivery attempt. Outcome is one of
// "delivered", "queued", or "failed".
func (m *Metrics) Dispatched(channel, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(channel, outcome).Inc()
}

// DigestsSent records members who received a digest this flush.
func (m *Metrics) DigestsSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.digestsSent.Add(float64(n))
}

// RetentionDeleted records rows removed by one sweep.
func (m *Metrics) RetentionDeleted(occurrences, groups int64) {
	if m == nil {
		return
	}
	if occurrences > 0 {
		m.retentionDeletes.WithLabelValues("occurrences").Add(float64(occurrences))
	}
	if groups > 0 {
		m.retentionDeletes.WithLabelValues("groups").Add(float64(groups))
	}
}
