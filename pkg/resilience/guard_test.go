package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/metrics/memory"
)

func tripAfter(n uint32) Config {
	config := DefaultConfig()
	config.CircuitBreakerConfig.ReadyToTrip = func(c Counts) bool {
		return c.ConsecutiveFailures >= n
	}
	config.CircuitBreakerConfig.Timeout = time.Minute
	return config
}

func TestGuard_Success(t *testing.T) {
	g := NewGuard("dep", DefaultConfig())

	calls := 0
	err := g.Do(context.Background(), "call", func(ctx context.Context) error {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected guard timeout to set a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Expected closed circuit, got %v", g.State())
	}
}

func TestGuard_OpensAfterFailures(t *testing.T) {
	collector := memory.NewMemoryCollector()
	g := NewGuardWithMetrics("reader", tripAfter(3), collector)
	boom := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		err := g.Do(context.Background(), "trigger", func(ctx context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("Attempt %d: expected underlying error, got %v", i, err)
		}
	}

	called := false
	err := g.Do(context.Background(), "trigger", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !IsCircuitOpen(err) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Function must not run while the circuit is open")
	}

	cm := collector.Snapshot().Circuits["reader"]
	if cm.Opens != 1 || cm.State != metrics.CircuitOpen {
		t.Errorf("Expected one recorded open, got %+v", cm)
	}
}

func TestGuard_SuccessFilterKeepsCircuitClosed(t *testing.T) {
	rejected := errors.New("wrong password")
	config := tripAfter(2).WithSuccessFilter(func(err error) bool {
		return errors.Is(err, rejected)
	})
	g := NewGuard("verifier", config)

	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), "verify", func(ctx context.Context) error { return rejected })
		if !errors.Is(err, rejected) {
			t.Fatalf("Expected business error to pass through, got %v", err)
		}
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Business rejections must not open the circuit, got %v", g.State())
	}
}

func TestGuard_Timeout(t *testing.T) {
	g := NewGuard("slow", DefaultConfig().WithTimeout(20*time.Millisecond))

	err := g.Do(context.Background(), "call", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !IsTimeout(err) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestGuard_CallerCancellationPassesThrough(t *testing.T) {
	g := NewGuard("dep", DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Do(ctx, "call", func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("Caller cancellation must not be reported as a guard timeout")
	}
}
