package memory

import (
	"sync"
	"testing"
	"time"

	"tap-ledger/pkg/metrics"
)

func TestMemoryCollector_Snapshot(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordTransfer("none", time.Millisecond)
	mc.RecordTransfer("contention", time.Millisecond)
	mc.RecordSettlement("none", time.Millisecond)
	mc.RecordConflict("credit")
	mc.RecordConflict("credit")
	mc.RecordCompensation("transfer", true)
	mc.RecordBalanceLookup("L1", false, time.Microsecond)
	mc.RecordBalanceLookup("L1", true, time.Microsecond)
	mc.RecordEventDropped("events")

	snap := mc.Snapshot()
	if snap.Transfers["none"] != 1 || snap.Transfers["contention"] != 1 {
		t.Errorf("Unexpected transfer counts: %v", snap.Transfers)
	}
	if snap.Conflicts["credit"] != 2 {
		t.Errorf("Expected 2 credit conflicts, got %d", snap.Conflicts["credit"])
	}
	if snap.Compensations["transfer"].Refunded != 1 {
		t.Errorf("Expected 1 refund, got %+v", snap.Compensations["transfer"])
	}
	if l1 := snap.Layers["L1"]; l1.Hits != 1 || l1.Misses != 1 || len(l1.Latencies) != 2 {
		t.Errorf("Unexpected layer metrics: %+v", l1)
	}
	if snap.Queues["events"].Dropped != 1 {
		t.Errorf("Expected 1 dropped event, got %d", snap.Queues["events"].Dropped)
	}

	mc.RecordTransfer("none", time.Millisecond)
	if snap.Transfers["none"] != 1 {
		t.Error("Snapshot must not change after further recording")
	}
}

func TestMemoryCollector_CircuitOpens(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordCircuitState("reader", metrics.CircuitOpen)
	mc.RecordCircuitState("reader", metrics.CircuitOpen)
	mc.RecordCircuitState("reader", metrics.CircuitHalfOpen)
	mc.RecordCircuitState("reader", metrics.CircuitOpen)

	cm := mc.Snapshot().Circuits["reader"]
	if cm.Opens != 2 {
		t.Errorf("Expected 2 opens, got %d", cm.Opens)
	}
	if cm.State != metrics.CircuitOpen {
		t.Errorf("Expected state open, got %v", cm.State)
	}
}

func TestMemoryCollector_Concurrent(t *testing.T) {
	mc := NewMemoryCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc.RecordReceive("none")
		}()
	}
	wg.Wait()

	if got := mc.Snapshot().Receives["none"]; got != 50 {
		t.Errorf("Expected 50 receives, got %d", got)
	}

	mc.Reset()
	if got := len(mc.Snapshot().Receives); got != 0 {
		t.Errorf("Expected empty receives after reset, got %d", got)
	}
}
