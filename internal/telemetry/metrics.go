// Package telemetry provides Prometheus instrumentation for the mirror.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics holds the instruments for the sync engine and dispatcher.
type SyncMetrics struct {
	registry *prometheus.Registry

	pagesTotal        *prometheus.CounterVec
	itemsTotal        *prometheus.CounterVec
	syncFailuresTotal *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	batchDuration     prometheus.Histogram
}

// NewSyncMetrics creates the sync metrics on a fresh registry.
func NewSyncMetrics() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &SyncMetrics{
		registry: reg,
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billmirror_sync_pages_total",
			Help: "Pages fetched from the billing platform, by object type.",
		}, []string{"object_type"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billmirror_sync_items_total",
			Help: "Items applied to the mirror, by object type.",
		}, []string{"object_type"}),
		syncFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billmirror_sync_failures_total",
			Help: "Object runs transitioned to error, by object type.",
		}, []string{"object_type"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billmirror_dispatch_messages_total",
			Help: "Queue messages processed, by outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billmirror_dispatch_batch_seconds",
			Help:    "Wall-clock duration of one dispatcher batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.pagesTotal, m.itemsTotal, m.syncFailuresTotal, m.messagesTotal, m.batchDuration)
	return m
}

// RecordPage records one fetched page and the items it applied.
func (m *SyncMetrics) RecordPage(objectType string, items int) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(objectType).Inc()
	m.itemsTotal.WithLabelValues(objectType).Add(float64(items))
}

// RecordSyncFailure records one object run failure.
func (m *SyncMetrics) RecordSyncFailure(objectType string) {
	if m == nil {
		return
	}
	m.syncFailuresTotal.WithLabelValues(objectType).Inc()
}

// RecordMessage records one dispatched queue message by outcome
// (acked, requeued, retry).
func (m *SyncMetrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch records the duration of one dispatcher batch in seconds.
func (m *SyncMetrics) ObserveBatch(seconds float64) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(seconds)
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
