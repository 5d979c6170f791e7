// Package settlement charges cart purchases against account balances.
package settlement

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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures an Engine.
type Config struct {
	// Retry bounds the debit loop
	Retry ledger.RetryPolicy

	// CompensationRetry bounds the refund loop (default: 3x Retry attempts)
	CompensationRetry ledger.RetryPolicy

	// SettleTimeout bounds the purchase write, the refund and the cart
	// cleanup after the debit has committed (default: 10s)
	SettleTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	retry := ledger.DefaultRetryPolicy()
	comp := retry
	comp.MaxAttempts = retry.MaxAttempts * 3
	return Config{
		Retry:             retry,
		CompensationRetry: comp,
		SettleTimeout:     10 * time.Second,
	}
}

// EventSink receives cart change notifications. *notify.Publisher and any
// notify.Feed satisfy it.
type EventSink interface {
	Publish(ctx context.Context, event notify.Event) error
}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Accounts  ledger.AccountStore
	Purchases ledger.PurchaseLog
	Carts     ledger.CartStore
	Reconcile ledger.ReconciliationQueue

	// Observers are told about every committed balance change.
	Observers []ledger.BalanceObserver

	// Events, if set, receives CartChanged notifications.
	Events EventSink
}

// Engine settles purchases and manages carts.
type Engine struct {
	deps    Dependencies
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	now     func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(deps Dependencies, config Config) (*Engine, error) {
	return NewEngineWithMetrics(deps, config, metrics.NoOpCollector{})
}

// NewEngineWithMetrics creates a settlement engine that records outcomes,
// conflicts and compensations.
func NewEngineWithMetrics(deps Dependencies, config Config, metricsCollector metrics.MetricsCollector) (*Engine, error) {
	if deps.Accounts == nil || deps.Purchases == nil || deps.Carts == nil || deps.Reconcile == nil {
		return nil, errors.New("settlement: account store, purchase log, cart store and reconciliation queue required")
	}

	defaults := DefaultConfig()
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}
	if config.CompensationRetry.MaxAttempts <= 0 {
		config.CompensationRetry = config.Retry
		config.CompensationRetry.MaxAttempts = config.Retry.MaxAttempts * 3
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaults.SettleTimeout
	}

	return &Engine{
		deps:    deps,
		config:  config,
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logging.Component("settlement"),
		now:     time.Now,
	}, nil
}

// MaxQuantity is the largest quantity a single line item may carry.
const MaxQuantity = 10000

// ValidateItems checks that items is non-empty, every item has a quantity in
// 1..MaxQuantity, a non-negative price and a representable subtotal, and the
// items together have a representable total.
func ValidateItems(items []ledger.LineItem) error {
	_, err := validatedTotal(items)
	return err
}

func validatedTotal(items []ledger.LineItem) (money.Amount, error) {
	if len(items) == 0 {
		return money.Zero, ledger.ErrEmptyCart
	}
	for _, item := range items {
		if item.ItemID == "" || item.Quantity <= 0 || item.Quantity > MaxQuantity || item.UnitPrice.IsNegative() {
			return money.Zero, fmt.Errorf("%w: %q", ledger.ErrInvalidLineItem, item.ItemID)
		}
		if _, err := item.Subtotal(); err != nil {
			return money.Zero, fmt.Errorf("%w: %q: %v", ledger.ErrInvalidLineItem, item.ItemID, err)
		}
	}
	total, err := ledger.Total(items)
	if err != nil {
		return money.Zero, fmt.Errorf("settlement: cart total: %w", err)
	}
	return total, nil
}

// Settle charges the total of items to accountID, records the purchase and
// clears the account's cart.
func (e *Engine) Settle(ctx context.Context, accountID string, items []ledger.LineItem) (*ledger.PurchaseRecord, error) {
	start := time.Now()
	rec, err := e.settle(ctx, accountID, items, func(ctx context.Context) error {
		return e.deps.Carts.ClearCart(ctx, accountID)
	})
	e.metrics.RecordSettlement(ledger.ClassifyError(err), time.Since(start))
	return rec, err
}

// Checkout settles the entries currently in the account's cart. Only those
// entries are removed afterwards; items added meanwhile stay in the cart.
func (e *Engine) Checkout(ctx context.Context, accountID string) (*ledger.PurchaseRecord, error) {
	start := time.Now()
	rec, err := e.checkout(ctx, accountID)
	e.metrics.RecordSettlement(ledger.ClassifyError(err), time.Since(start))
	return rec, err
}

func (e *Engine) checkout(ctx context.Context, accountID string) (*ledger.PurchaseRecord, error) {
	entries, err := e.deps.Carts.ListCart(ctx, accountID)
	if err != nil {
		return nil, ledger.WrapError(err, "settlement: read cart")
	}

	items := make([]ledger.LineItem, len(entries))
	ids := make([]string, len(entries))
	for i, entry := range entries {
		items[i] = entry.Item
		ids[i] = entry.ID
	}

	return e.settle(ctx, accountID, items, func(ctx context.Context) error {
		return e.deps.Carts.RemoveCartEntries(ctx, accountID, ids...)
	})
}

func (e *Engine) settle(ctx context.Context, accountID string, items []ledger.LineItem, clearCart func(context.Context) error) (*ledger.PurchaseRecord, error) {
	total, err := validatedTotal(items)
	if err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	balance, err := e.deps.Accounts.GetBalance(ctx, accountID)
	if err != nil {
		return nil, ledger.WrapError(err, "settlement: read balance")
	}
	if balance.LessThan(total) {
		return nil, ledger.ErrInsufficientFunds
	}

	rec := &ledger.PurchaseRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		LineItems: append([]ledger.LineItem(nil), items...),
		Total:     total,
	}
	log := e.logger.With(
		logging.PurchaseID(rec.ID),
		logging.AccountID(accountID),
		logging.Amount(total),
	)

	debit, err := ledger.AdjustWithRetry(ctx, e.deps.Accounts, accountID, total.Neg(), e.config.Retry)
	e.recordConflicts(debit.Conflicts)
	if err != nil {
		log.Info("settlement rejected at debit", logging.Outcome(ledger.ClassifyError(err)))
		return nil, ledger.WrapError(err, "settlement: debit account")
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.SettleTimeout)
	defer cancel()

	e.notify(settleCtx, debit.Snapshot)

	rec.PurchasedAt = e.now()
	if err := e.deps.Purchases.CreatePurchase(settleCtx, rec); err != nil {
		log.Warn("purchase not recorded, refunding", zap.Error(err))
		return nil, e.compensate(settleCtx, rec, err, log)
	}

	if err := clearCart(settleCtx); err != nil {
		log.Warn("cart not cleared after settlement", zap.Error(err))
	} else {
		e.publishCart(settleCtx, accountID)
	}

	log.Info("purchase settled",
		zap.Int("items", len(items)),
		zap.Int("debit_attempts", debit.Attempts),
		logging.Balance(debit.Snapshot.Balance),
	)
	return rec, nil
}

// compensate refunds a debit whose purchase record could not be written.
func (e *Engine) compensate(ctx context.Context, rec *ledger.PurchaseRecord, cause error, log *logging.Logger) error {
	refund, err := ledger.AdjustWithRetry(ctx, e.deps.Accounts, rec.AccountID, rec.Total, e.config.CompensationRetry)
	e.recordConflicts(refund.Conflicts)
	if err == nil {
		e.metrics.RecordCompensation("settlement", true)
		e.notify(ctx, refund.Snapshot)
		log.Info("purchase refunded")
		return fmt.Errorf("%w: %v", ledger.ErrPurchaseNotRecorded, cause)
	}

	e.metrics.RecordCompensation("settlement", false)

	item := &ledger.Reconciliation{
		ID:        uuid.NewString(),
		Kind:      ledger.ReconcilePurchaseRefund,
		AccountID: rec.AccountID,
		Amount:    rec.Total,
		Reference: rec.ID,
		Reason:    fmt.Sprintf("purchase: %v; refund: %v", cause, err),
		CreatedAt: e.now(),
	}
	if qerr := e.deps.Reconcile.EnqueueReconciliation(ctx, item); qerr != nil {
		log.Error("failed to enqueue reconciliation", zap.Error(qerr))
	}

	log.Error("settlement compensation failed",
		zap.String("reconciliation_id", item.ID),
		zap.NamedError("purchase_error", cause),
		zap.NamedError("refund_error", err),
	)
	return fmt.Errorf("%w: purchase %s: %v", ledger.ErrCompensationFailed, rec.ID, err)
}

// AddToCart appends a line item to the account's cart.
func (e *Engine) AddToCart(ctx context.Context, accountID string, item ledger.LineItem) (*ledger.CartEntry, error) {
	if err := ValidateItems([]ledger.LineItem{item}); err != nil {
		return nil, err
	}

	entry := &ledger.CartEntry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Item:      item,
		AddedAt:   e.now(),
	}
	if err := e.deps.Carts.AddCartEntry(ctx, entry); err != nil {
		return nil, ledger.WrapError(err, "settlement: add to cart")
	}
	e.publishCart(ctx, accountID)
	return entry, nil
}

// RemoveFromCart deletes one entry from the account's cart.
func (e *Engine) RemoveFromCart(ctx context.Context, accountID, entryID string) error {
	if err := e.deps.Carts.RemoveCartEntries(ctx, accountID, entryID); err != nil {
		return ledger.WrapError(err, "settlement: remove from cart")
	}
	e.publishCart(ctx, accountID)
	return nil
}

// Cart returns the account's cart entries and their total.
func (e *Engine) Cart(ctx context.Context, accountID string) ([]ledger.CartEntry, money.Amount, error) {
	entries, err := e.deps.Carts.ListCart(ctx, accountID)
	if err != nil {
		return nil, money.Zero, err
	}
	items := make([]ledger.LineItem, len(entries))
	for i, entry := range entries {
		items[i] = entry.Item
	}
	total, err := ledger.Total(items)
	if err != nil {
		return nil, money.Zero, err
	}
	return entries, total, nil
}

// Purchases returns the account's purchases, newest first.
func (e *Engine) Purchases(ctx context.Context, accountID string, limit int) ([]ledger.PurchaseRecord, error) {
	return e.deps.Purchases.ListPurchases(ctx, accountID, limit)
}

// Purchase returns one purchase record.
func (e *Engine) Purchase(ctx context.Context, purchaseID string) (*ledger.PurchaseRecord, error) {
	return e.deps.Purchases.GetPurchase(ctx, purchaseID)
}

func (e *Engine) publishCart(ctx context.Context, accountID string) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, notify.CartEvent(accountID)); err != nil {
		e.logger.Debug("cart notification not queued",
			logging.AccountID(accountID),
			zap.Error(err),
		)
	}
}

func (e *Engine) notify(ctx context.Context, snap ledger.Snapshot) {
	for _, obs := range e.deps.Observers {
		obs.BalanceChanged(ctx, snap)
	}
}

func (e *Engine) recordConflicts(n int) {
	for i := 0; i < n; i++ {
		e.metrics.RecordConflict("settlement")
	}
}
