// Package metrics provides the Prometheus collectors of the AS2 daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the AS2 daemon.
// It implements as2.Recorder.
type Metrics struct {
	TransmissionsTotal *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	MDNsSentTotal      *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	QueueDropsTotal    prometheus.Counter
	StoreErrorsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		TransmissionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "as2",
				Name:      "transmissions_received_total",
				Help:      "Total number of inbound AS2 transmissions",
			},
			[]string{"kind", "outcome"}, // kind=message/mdn/unknown
		),
		ProcessingDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "as2",
				Name:      "processing_duration_seconds",
				Help:      "Time from request receipt to response in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		MDNsSentTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "as2",
				Name:      "mdns_sent_total",
				Help:      "Total MDNs returned synchronously or delivered asynchronously",
			},
			[]string{"mode", "outcome"},
		),
		QueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "as2",
				Name:      "async_queue_depth",
				Help:      "Number of asynchronous MDN tasks waiting for a worker",
			},
		),
		QueueDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "as2",
				Name:      "async_queue_drops_total",
				Help:      "Total asynchronous MDN tasks dropped because the queue was full or closed",
			},
		),
		StoreErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "as2",
				Name:      "store_errors_total",
				Help:      "Total failed transmission store operations",
			},
			[]string{"operation"},
		),
	}
}

// Received records one inbound transmission.
func (m *Metrics) Received(kind, outcome string, elapsed time.Duration) {
	m.TransmissionsTotal.WithLabelValues(kind, outcome).Inc()
	m.ProcessingDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// MDNSent records one returned or delivered MDN.
func (m *Metrics) MDNSent(mode, outcome string) {
	m.MDNsSentTotal.WithLabelValues(mode, outcome).Inc()
}

// StoreError records a failed store operation.
func (m *Metrics) StoreError(operation string) {
	m.StoreErrorsTotal.WithLabelValues(operation).Inc()
}
