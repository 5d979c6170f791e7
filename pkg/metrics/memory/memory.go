package memory

import (
	"sync"
	"time"

	"tap-ledger/pkg/metrics"
)

// MemoryCollector implements MetricsCollector in memory, for tests and the
// JSON status endpoint.
type MemoryCollector struct {
	mu sync.RWMutex

	transfers     map[string]int64
	settlements   map[string]int64
	receives      map[string]int64
	conflicts     map[string]int64
	compensations map[string]CompensationCounts

	layers   map[string]*LayerMetrics
	circuits map[string]*CircuitMetrics
	queues   map[string]*QueueMetrics
}

var _ metrics.MetricsCollector = (*MemoryCollector)(nil)

// CompensationCounts holds refund outcomes for one operation.
type CompensationCounts struct {
	Refunded int64
	Failed   int64
}

// LayerMetrics holds balance view metrics for a single layer.
type LayerMetrics struct {
	Hits      int64
	Misses    int64
	Latencies []time.Duration
}

// CircuitMetrics holds circuit breaker metrics for a single dependency.
type CircuitMetrics struct {
	State metrics.CircuitState
	Opens int64
}

// QueueMetrics holds publisher metrics for a single queue.
type QueueMetrics struct {
	Depth     int
	Dropped   int64
	Published int64
	Errors    int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.reset()
	return mc
}

func (mc *MemoryCollector) reset() {
	mc.transfers = make(map[string]int64)
	mc.settlements = make(map[string]int64)
	mc.receives = make(map[string]int64)
	mc.conflicts = make(map[string]int64)
	mc.compensations = make(map[string]CompensationCounts)
	mc.layers = make(map[string]*LayerMetrics)
	mc.circuits = make(map[string]*CircuitMetrics)
	mc.queues = make(map[string]*QueueMetrics)
}

// layer returns the LayerMetrics for name; mc.mu must be held.
func (mc *MemoryCollector) layer(name string) *LayerMetrics {
	lm, ok := mc.layers[name]
	if !ok {
		lm = &LayerMetrics{}
		mc.layers[name] = lm
	}
	return lm
}

func (mc *MemoryCollector) circuit(name string) *CircuitMetrics {
	cm, ok := mc.circuits[name]
	if !ok {
		cm = &CircuitMetrics{}
		mc.circuits[name] = cm
	}
	return cm
}

func (mc *MemoryCollector) queue(name string) *QueueMetrics {
	qm, ok := mc.queues[name]
	if !ok {
		qm = &QueueMetrics{}
		mc.queues[name] = qm
	}
	return qm
}

func (mc *MemoryCollector) RecordTransfer(outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.transfers[outcome]++
}

func (mc *MemoryCollector) RecordSettlement(outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.settlements[outcome]++
}

func (mc *MemoryCollector) RecordReceive(outcome string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.receives[outcome]++
}

func (mc *MemoryCollector) RecordConflict(operation string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.conflicts[operation]++
}

func (mc *MemoryCollector) RecordCompensation(operation string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.compensations[operation]
	if success {
		c.Refunded++
	} else {
		c.Failed++
	}
	mc.compensations[operation] = c
}

func (mc *MemoryCollector) RecordBalanceLookup(layer string, hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	lm := mc.layer(layer)
	if hit {
		lm.Hits++
	} else {
		lm.Misses++
	}
	lm.Latencies = append(lm.Latencies, duration)
}

// RecordCircuitState records the state and counts transitions to open.
func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	cm := mc.circuit(name)
	if cm.State != metrics.CircuitOpen && state == metrics.CircuitOpen {
		cm.Opens++
	}
	cm.State = state
}

func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.queue(queue).Depth = depth
}

func (mc *MemoryCollector) RecordEventDropped(queue string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.queue(queue).Dropped++
}

func (mc *MemoryCollector) RecordEventPublished(queue string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	qm := mc.queue(queue)
	qm.Published++
	if !success {
		qm.Errors++
	}
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Transfers     map[string]int64
	Settlements   map[string]int64
	Receives      map[string]int64
	Conflicts     map[string]int64
	Compensations map[string]CompensationCounts
	Layers        map[string]LayerMetrics
	Circuits      map[string]CircuitMetrics
	Queues        map[string]QueueMetrics
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snap := Snapshot{
		Transfers:     copyCounts(mc.transfers),
		Settlements:   copyCounts(mc.settlements),
		Receives:      copyCounts(mc.receives),
		Conflicts:     copyCounts(mc.conflicts),
		Compensations: make(map[string]CompensationCounts, len(mc.compensations)),
		Layers:        make(map[string]LayerMetrics, len(mc.layers)),
		Circuits:      make(map[string]CircuitMetrics, len(mc.circuits)),
		Queues:        make(map[string]QueueMetrics, len(mc.queues)),
	}
	for k, v := range mc.compensations {
		snap.Compensations[k] = v
	}
	for k, v := range mc.layers {
		lm := *v
		lm.Latencies = append([]time.Duration(nil), v.Latencies...)
		snap.Layers[k] = lm
	}
	for k, v := range mc.circuits {
		snap.Circuits[k] = *v
	}
	for k, v := range mc.queues {
		snap.Queues[k] = *v
	}
	return snap
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.reset()
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
