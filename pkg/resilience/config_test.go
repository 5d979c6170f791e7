package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", config.Timeout)
	}
	if config.CircuitBreakerConfig.MaxRequests != 1 {
		t.Errorf("Expected MaxRequests 1, got %d", config.CircuitBreakerConfig.MaxRequests)
	}
	if config.CircuitBreakerConfig.ReadyToTrip == nil {
		t.Fatal("Expected ReadyToTrip function to be set")
	}
	if config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 4}) {
		t.Error("Should not trip with 4 failures")
	}
	if !config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 5}) {
		t.Error("Should trip with 5 failures")
	}
}

func TestConfig_With(t *testing.T) {
	config := DefaultConfig()
	changed := config.
		WithTimeout(2 * time.Second).
		WithCircuitBreakerTimeout(20 * time.Second).
		WithSuccessFilter(func(err error) bool { return errors.Is(err, errSentinel) })

	if changed.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", changed.Timeout)
	}
	if changed.CircuitBreakerConfig.Timeout != 20*time.Second {
		t.Errorf("Expected CB timeout 20s, got %v", changed.CircuitBreakerConfig.Timeout)
	}
	if changed.IsSuccessful == nil || !changed.IsSuccessful(errSentinel) {
		t.Error("Expected success filter to be set")
	}

	// Original is unchanged
	if config.Timeout != 5*time.Second || config.IsSuccessful != nil {
		t.Errorf("Original config changed: %+v", config)
	}
}

var errSentinel = errors.New("business rejection")
