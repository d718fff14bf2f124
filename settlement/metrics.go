package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the settlement pipeline.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	settleDuration prometheus.Histogram
	providerErrors prometheus.Counter
	queueDepth     prometheus.Gauge
	queueDropped   prometheus.Counter
}

// NewMetrics registers settlement metrics on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardapio",
				Subsystem: "settlement",
				Name:      "outcomes_total",
				Help:      "Settlement attempts by outcome",
			},
			[]string{"outcome"},
		),
		settleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cardapio",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Time to settle one payment, verification included",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		providerErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cardapio",
				Subsystem: "settlement",
				Name:      "provider_errors_total",
				Help:      "Failed provider verification calls",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cardapio",
				Subsystem: "settlement",
				Name:      "queue_depth",
				Help:      "Payment events waiting for a worker",
			},
		),
		queueDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cardapio",
				Subsystem: "settlement",
				Name:      "queue_dropped_total",
				Help:      "Payment events dropped because the queue was full",
			},
		),
	}
}

func (m *Metrics) observeSettle(outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
	m.settleDuration.Observe(d.Seconds())
}

func (m *Metrics) observeProviderError() {
	if m == nil {
		return
	}
	m.providerErrors.Inc()
}

func (m *Metrics) observeEnqueue() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) observeDequeue() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) observeDrop() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}
