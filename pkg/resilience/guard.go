package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Guard protects calls to an external dependency with a circuit breaker and a
// per-call timeout.
type Guard struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewGuard creates a guard for the named dependency.
func NewGuard(name string, config Config) *Guard {
	return NewGuardWithMetrics(name, config, metrics.NoOpCollector{})
}

// NewGuardWithMetrics creates a guard with a custom metrics collector.
func NewGuardWithMetrics(name string, config Config, metricsCollector metrics.MetricsCollector) *Guard {
	logger := logging.Global().Named("resilience").Named(name)

	g := &Guard{
		name:    name,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logger,
	}

	logger.Info("guard initialized",
		zap.String("dependency", name),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			g.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}
	if config.IsSuccessful != nil {
		isSuccessful := config.IsSuccessful
		settings.IsSuccessful = func(err error) bool {
			// Deadline expiry is always a dependency failure.
			if errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return isSuccessful(err)
		}
	}

	g.cb = gobreaker.NewCircuitBreaker(settings)
	return g
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the dependency name.
func (g *Guard) Name() string {
	return g.name
}

// State returns the current circuit breaker state.
func (g *Guard) State() metrics.CircuitState {
	return toCircuitState(g.cb.State())
}

// Do runs fn through the circuit breaker with the guard timeout applied to
// its context. An open breaker yields ErrCircuitOpen; a call that outlives
// the guard timeout yields ErrTimeout. Other errors from fn are returned
// unchanged.
func (g *Guard) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn(callCtx)
	})
	if err == nil {
		return nil
	}

	duration := time.Since(start)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.Warn("circuit breaker open - request rejected",
			zap.String("operation", operation),
		)
		return fmt.Errorf("%s %s: %w", g.name, operation, ErrCircuitOpen)
	}
	// Only our own deadline maps to ErrTimeout; a caller's deadline passes through.
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		g.logger.Warn("operation timeout",
			zap.String("operation", operation),
			zap.Duration("timeout", g.timeout),
			zap.Duration("elapsed", duration),
		)
		return fmt.Errorf("%s %s: %w", g.name, operation, ErrTimeout)
	}

	g.logger.Debug("guarded operation failed",
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return err
}
