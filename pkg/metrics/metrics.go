package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting ledger metrics.
// Outcome labels come from ledger.ClassifyError ("none" for success).
type MetricsCollector interface {
	// Engine operations
	RecordTransfer(outcome string, duration time.Duration)
	RecordSettlement(outcome string, duration time.Duration)
	RecordReceive(outcome string)

	// Optimistic concurrency
	RecordConflict(operation string)
	RecordCompensation(operation string, success bool)

	// Balance view
	RecordBalanceLookup(layer string, hit bool, duration time.Duration)

	// Circuit breaker
	RecordCircuitState(name string, state CircuitState)

	// Notification publisher
	RecordQueueDepth(queue string, depth int)
	RecordEventDropped(queue string)
	RecordEventPublished(queue string, success bool, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordTransfer does nothing.
func (NoOpCollector) RecordTransfer(outcome string, duration time.Duration) {}

// RecordSettlement does nothing.
func (NoOpCollector) RecordSettlement(outcome string, duration time.Duration) {}

// RecordReceive does nothing.
func (NoOpCollector) RecordReceive(outcome string) {}

// RecordConflict does nothing.
func (NoOpCollector) RecordConflict(operation string) {}

// RecordCompensation does nothing.
func (NoOpCollector) RecordCompensation(operation string, success bool) {}

// RecordBalanceLookup does nothing.
func (NoOpCollector) RecordBalanceLookup(layer string, hit bool, duration time.Duration) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(name string, state CircuitState) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(queue string, depth int) {}

// RecordEventDropped does nothing.
func (NoOpCollector) RecordEventDropped(queue string) {}

// RecordEventPublished does nothing.
func (NoOpCollector) RecordEventPublished(queue string, success bool, duration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
