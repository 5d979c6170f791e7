package resilience

import "errors"

// Errors returned by Guard.Do.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects the call
	ErrCircuitOpen = errors.New("resilience: circuit breaker open")

	// ErrTimeout is returned when the call exceeds the guard timeout
	ErrTimeout = errors.New("resilience: operation timeout")
)

// IsCircuitOpen checks if the given error indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsTimeout checks if the given error indicates a guard timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
