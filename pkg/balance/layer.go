// Package balance provides a read-through cache of account balances for
// display. Cached values are never used to authorize a debit; the account
// store decides every money movement.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/resilience"
)

// Errors returned by layers.
var (
	// ErrMiss is returned when a layer holds no snapshot for an account
	ErrMiss = errors.New("balance: cache miss")

	// ErrInvalidKey is returned for an empty or malformed account id
	ErrInvalidKey = errors.New("balance: invalid account id")
)

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// Layer stores balance snapshots keyed by account id.
//
// Set must keep the stored snapshot if it has a version greater than or
// equal to snap.Version, so that a late notification can never roll a
// balance back.
type Layer interface {
	Get(ctx context.Context, accountID string) (ledger.Snapshot, error)
	Set(ctx context.Context, snap ledger.Snapshot) error
	Delete(ctx context.Context, accountID string) error
	Name() string
	Close() error
}

// ValidateKey checks that an account id can be used as a cache key: non-empty,
// at most 250 bytes, no control characters and no whitespace.
func ValidateKey(accountID string) error {
	if accountID == "" {
		return ErrInvalidKey
	}
	if len(accountID) > 250 {
		return fmt.Errorf("%w: too long (max 250 characters)", ErrInvalidKey)
	}
	if strings.IndexFunc(accountID, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r)
	}) >= 0 {
		return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidKey)
	}
	return nil
}

// GuardedLayer wraps a remote layer with a circuit breaker and timeout.
// Misses and rejected keys do not count against the breaker.
type GuardedLayer struct {
	layer Layer
	guard *resilience.Guard
}

var _ Layer = (*GuardedLayer)(nil)

// NewGuardedLayer wraps layer with a guard built from config.
func NewGuardedLayer(layer Layer, config resilience.Config) *GuardedLayer {
	return NewGuardedLayerWithMetrics(layer, config, metrics.NoOpCollector{})
}

// NewGuardedLayerWithMetrics wraps layer with a guard that reports circuit
// state to metricsCollector.
func NewGuardedLayerWithMetrics(layer Layer, config resilience.Config, metricsCollector metrics.MetricsCollector) *GuardedLayer {
	config = config.WithSuccessFilter(func(err error) bool {
		return err == nil || IsMiss(err) || errors.Is(err, ErrInvalidKey)
	})
	return &GuardedLayer{
		layer: layer,
		guard: resilience.NewGuardWithMetrics(layer.Name(), config, metricsCollector),
	}
}

func (g *GuardedLayer) Get(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	err := g.guard.Do(ctx, "get", func(ctx context.Context) error {
		var err error
		snap, err = g.layer.Get(ctx, accountID)
		return err
	})
	return snap, err
}

func (g *GuardedLayer) Set(ctx context.Context, snap ledger.Snapshot) error {
	return g.guard.Do(ctx, "set", func(ctx context.Context) error {
		return g.layer.Set(ctx, snap)
	})
}

func (g *GuardedLayer) Delete(ctx context.Context, accountID string) error {
	return g.guard.Do(ctx, "delete", func(ctx context.Context) error {
		return g.layer.Delete(ctx, accountID)
	})
}

func (g *GuardedLayer) Name() string { return g.layer.Name() }

func (g *GuardedLayer) Close() error { return g.layer.Close() }

// Unwrap returns the guarded layer.
func (g *GuardedLayer) Unwrap() Layer { return g.layer }

// Guard exposes the breaker for status reporting.
func (g *GuardedLayer) Guard() *resilience.Guard { return g.guard }
