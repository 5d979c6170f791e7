package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/notify"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config configures a View.
type Config struct {
	// LoadTimeout bounds the store read after every layer missed (default: 2s)
	LoadTimeout time.Duration

	// ApplyTimeout bounds layer writes triggered by feed notifications (default: 1s)
	ApplyTimeout time.Duration
}

// DefaultConfig returns the default view configuration.
func DefaultConfig() Config {
	return Config{
		LoadTimeout:  2 * time.Second,
		ApplyTimeout: time.Second,
	}
}

// View is a layered, read-through balance cache. Layers are ordered from
// fastest (L1) to slowest (LN); a miss in every layer loads the account from
// the store and populates all layers.
type View struct {
	source  ledger.AccountStore
	layers  []Layer
	sf      singleflight.Group
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

var _ ledger.BalanceObserver = (*View)(nil)

// NewView creates a view over source. At least one layer is required.
func NewView(source ledger.AccountStore, config Config, layers ...Layer) (*View, error) {
	return NewViewWithMetrics(source, config, metrics.NoOpCollector{}, layers...)
}

// NewViewWithMetrics creates a view that records per-layer lookups.
func NewViewWithMetrics(source ledger.AccountStore, config Config, metricsCollector metrics.MetricsCollector, layers ...Layer) (*View, error) {
	if source == nil {
		return nil, errors.New("balance: account store required")
	}
	if len(layers) == 0 {
		return nil, errors.New("balance: at least one layer required")
	}

	defaults := DefaultConfig()
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = defaults.LoadTimeout
	}
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = defaults.ApplyTimeout
	}

	return &View{
		source:  source,
		layers:  append([]Layer(nil), layers...),
		config:  config,
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logging.Component("balance"),
	}, nil
}

// Get returns the cached snapshot for accountID, loading it from the store
// on a full miss. Concurrent lookups of the same account share one load.
func (v *View) Get(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	if err := ValidateKey(accountID); err != nil {
		return ledger.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return ledger.Snapshot{}, err
	}

	result, err, _ := v.sf.Do(accountID, func() (interface{}, error) {
		return v.lookup(ctx, accountID)
	})
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return result.(ledger.Snapshot), nil
}

// Balance is a convenience wrapper around Get.
func (v *View) Balance(ctx context.Context, accountID string) (money.Amount, error) {
	snap, err := v.Get(ctx, accountID)
	if err != nil {
		return money.Zero, err
	}
	return snap.Balance, nil
}

func (v *View) lookup(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	for i, layer := range v.layers {
		if err := ctx.Err(); err != nil {
			return ledger.Snapshot{}, err
		}

		start := time.Now()
		snap, err := layer.Get(ctx, accountID)
		v.metrics.RecordBalanceLookup(layer.Name(), err == nil, time.Since(start))
		if err != nil {
			if !IsMiss(err) {
				v.logger.Debug("balance layer unavailable",
					zap.String("layer", layer.Name()),
					logging.AccountID(accountID),
					zap.Error(err),
				)
			}
			continue
		}

		v.warm(ctx, snap, i)
		return snap, nil
	}

	return v.load(ctx, accountID)
}

// warm copies a lower-layer hit into every layer above it.
func (v *View) warm(ctx context.Context, snap ledger.Snapshot, hitIndex int) {
	for i := hitIndex - 1; i >= 0; i-- {
		if err := v.layers[i].Set(ctx, snap); err != nil {
			v.logger.Debug("balance warm-up failed",
				zap.String("layer", v.layers[i].Name()),
				logging.AccountID(snap.AccountID),
				zap.Error(err),
			)
		}
	}
}

func (v *View) load(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	loadCtx, cancel := context.WithTimeout(ctx, v.config.LoadTimeout)
	defer cancel()

	account, err := v.source.GetAccount(loadCtx, accountID)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("balance: load %s: %w", accountID, err)
	}

	snap := account.Snapshot()
	_ = v.Apply(ctx, snap)
	return snap, nil
}

// Apply stores snap in every layer. Layers keep a newer version if they
// already have one. The last layer error is returned after all layers were
// attempted.
func (v *View) Apply(ctx context.Context, snap ledger.Snapshot) error {
	if err := ValidateKey(snap.AccountID); err != nil {
		return err
	}

	var lastErr error
	for _, layer := range v.layers {
		if err := layer.Set(ctx, snap); err != nil {
			v.logger.Debug("balance layer update failed",
				zap.String("layer", layer.Name()),
				logging.AccountID(snap.AccountID),
				zap.Int64("version", snap.Version),
				zap.Error(err),
			)
			lastErr = err
		}
	}
	return lastErr
}

// BalanceChanged applies a snapshot reported by an engine.
func (v *View) BalanceChanged(ctx context.Context, snap ledger.Snapshot) {
	_ = v.Apply(ctx, snap)
}

// Invalidate drops accountID from every layer.
func (v *View) Invalidate(ctx context.Context, accountID string) error {
	var lastErr error
	for _, layer := range v.layers {
		if err := layer.Delete(ctx, accountID); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Refresh reloads accountID from the store, bypassing the layers.
func (v *View) Refresh(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	if err := ValidateKey(accountID); err != nil {
		return ledger.Snapshot{}, err
	}
	return v.load(ctx, accountID)
}

// Watch applies every BalanceChanged event published on feed. Other event
// types are ignored.
func (v *View) Watch(feed notify.Feed) (notify.Subscription, error) {
	return feed.Subscribe(func(event notify.Event) {
		if event.Type != notify.BalanceChanged {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), v.config.ApplyTimeout)
		defer cancel()
		_ = v.Apply(ctx, event.Snapshot())
	})
}

// Layers returns a copy of the layers slice for inspection.
func (v *View) Layers() []Layer {
	return append([]Layer(nil), v.layers...)
}

// Close closes every layer, returning the last error.
func (v *View) Close() error {
	var lastErr error
	for _, layer := range v.layers {
		if err := layer.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
