package prometheus

import (
	"time"

	"tap-ledger/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Engines
	transfers       *prometheus.CounterVec
	transferLatency *prometheus.HistogramVec
	settlements     *prometheus.CounterVec
	settleLatency   *prometheus.HistogramVec
	receives        *prometheus.CounterVec

	// Optimistic concurrency
	conflicts     *prometheus.CounterVec
	compensations *prometheus.CounterVec

	// Balance view
	balanceHits    *prometheus.CounterVec
	balanceMisses  *prometheus.CounterVec
	balanceLatency *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Publisher
	queueDepth     *prometheus.GaugeVec
	droppedEvents  *prometheus.CounterVec
	publishedTotal *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
}

var _ metrics.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latencyBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~3s

	return &PrometheusCollector{
		namespace: namespace,
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of transfers by outcome",
			},
			[]string{"outcome"},
		),
		transferLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Transfer latency by outcome",
				Buckets:   latencyBuckets,
			},
			[]string{"outcome"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Total number of cart settlements by outcome",
			},
			[]string{"outcome"},
		),
		settleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_duration_seconds",
				Help:      "Settlement latency by outcome",
				Buckets:   latencyBuckets,
			},
			[]string{"outcome"},
		),
		receives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receive_requests_total",
				Help:      "Total number of receive requests by final outcome",
			},
			[]string{"outcome"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_conflicts_total",
				Help:      "Conditional balance writes that lost to a concurrent writer",
			},
			[]string{"operation"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Refund compensations by operation and status",
			},
			[]string{"operation", "status"},
		),
		balanceHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_view_hits_total",
				Help:      "Balance view cache hits per layer",
			},
			[]string{"layer"},
		),
		balanceMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_view_misses_total",
				Help:      "Balance view cache misses per layer",
			},
			[]string{"layer"},
		),
		balanceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "balance_view_lookup_duration_seconds",
				Help:      "Balance view lookup latency per layer",
				Buckets:   latencyBuckets,
			},
			[]string{"layer"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per dependency",
			},
			[]string{"name"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_queue_depth",
				Help:      "Current notification queue depth",
			},
			[]string{"queue"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Notifications dropped due to backpressure",
			},
			[]string{"queue"},
		),
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Notifications handed to the feed by status",
			},
			[]string{"queue", "status"},
		),
		publishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_publish_duration_seconds",
				Help:      "Notification publish latency",
				Buckets:   latencyBuckets,
			},
			[]string{"queue"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transfers,
		pc.transferLatency,
		pc.settlements,
		pc.settleLatency,
		pc.receives,
		pc.conflicts,
		pc.compensations,
		pc.balanceHits,
		pc.balanceMisses,
		pc.balanceLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.queueDepth,
		pc.droppedEvents,
		pc.publishedTotal,
		pc.publishLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func outcomeLabel(outcome string) string {
	if outcome == "none" || outcome == "" {
		return "ok"
	}
	return outcome
}

// RecordTransfer records a finished transfer.
func (pc *PrometheusCollector) RecordTransfer(outcome string, duration time.Duration) {
	label := outcomeLabel(outcome)
	pc.transfers.WithLabelValues(label).Inc()
	pc.transferLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordSettlement records a finished settlement.
func (pc *PrometheusCollector) RecordSettlement(outcome string, duration time.Duration) {
	label := outcomeLabel(outcome)
	pc.settlements.WithLabelValues(label).Inc()
	pc.settleLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordReceive records the final outcome of a receive request.
func (pc *PrometheusCollector) RecordReceive(outcome string) {
	pc.receives.WithLabelValues(outcomeLabel(outcome)).Inc()
}

// RecordConflict records a lost conditional write.
func (pc *PrometheusCollector) RecordConflict(operation string) {
	pc.conflicts.WithLabelValues(operation).Inc()
}

// RecordCompensation records a refund attempt.
func (pc *PrometheusCollector) RecordCompensation(operation string, success bool) {
	status := "refunded"
	if !success {
		status = "failed"
	}
	pc.compensations.WithLabelValues(operation, status).Inc()
}

// RecordBalanceLookup records a balance view lookup against one layer.
func (pc *PrometheusCollector) RecordBalanceLookup(layer string, hit bool, duration time.Duration) {
	if hit {
		pc.balanceHits.WithLabelValues(layer).Inc()
	} else {
		pc.balanceMisses.WithLabelValues(layer).Inc()
	}
	pc.balanceLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

// RecordQueueDepth records the current publisher queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordEventDropped records a dropped notification.
func (pc *PrometheusCollector) RecordEventDropped(queue string) {
	pc.droppedEvents.WithLabelValues(queue).Inc()
}

// RecordEventPublished records a notification publish attempt.
func (pc *PrometheusCollector) RecordEventPublished(queue string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.publishedTotal.WithLabelValues(queue, status).Inc()
	pc.publishLatency.WithLabelValues(queue).Observe(duration.Seconds())
}
