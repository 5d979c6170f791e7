// Package mock provides a ledger.Store for tests. It delegates to the
// in-memory store and lets tests inject failures per operation.
package mock

import (
	"context"
	"sync/atomic"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/store/memory"
)

// Store wraps a memory.Store. A hook that returns a non-nil error makes the
// call fail with that error before the memory store is touched.
type Store struct {
	*memory.Store

	// Function hooks - set these to inject failures
	AdjustFunc         func(ctx context.Context, accountID string, delta, expected money.Amount) error
	CreateTransferFunc func(ctx context.Context, record *ledger.TransferRecord) error
	CreatePurchaseFunc func(ctx context.Context, record *ledger.PurchaseRecord) error
	ClearCartFunc      func(ctx context.Context, accountID string) error
	EnqueueFunc        func(ctx context.Context, item *ledger.Reconciliation) error

	// Call tracking (must use atomic operations for race-free access)
	adjustCalls   int64
	transferCalls int64
	purchaseCalls int64
	enqueueCalls  int64
}

var _ ledger.Store = (*Store)(nil)

// New returns a mock store over an empty memory store.
func New() *Store {
	return &Store{Store: memory.New()}
}

// ConditionalAdjust runs AdjustFunc, then delegates.
func (m *Store) ConditionalAdjust(ctx context.Context, accountID string, delta, expected money.Amount) (ledger.Snapshot, error) {
	atomic.AddInt64(&m.adjustCalls, 1)
	if m.AdjustFunc != nil {
		if err := m.AdjustFunc(ctx, accountID, delta, expected); err != nil {
			return ledger.Snapshot{}, err
		}
	}
	return m.Store.ConditionalAdjust(ctx, accountID, delta, expected)
}

// CreateTransfer runs CreateTransferFunc, then delegates.
func (m *Store) CreateTransfer(ctx context.Context, record *ledger.TransferRecord) error {
	atomic.AddInt64(&m.transferCalls, 1)
	if m.CreateTransferFunc != nil {
		if err := m.CreateTransferFunc(ctx, record); err != nil {
			return err
		}
	}
	return m.Store.CreateTransfer(ctx, record)
}

// CreatePurchase runs CreatePurchaseFunc, then delegates.
func (m *Store) CreatePurchase(ctx context.Context, record *ledger.PurchaseRecord) error {
	atomic.AddInt64(&m.purchaseCalls, 1)
	if m.CreatePurchaseFunc != nil {
		if err := m.CreatePurchaseFunc(ctx, record); err != nil {
			return err
		}
	}
	return m.Store.CreatePurchase(ctx, record)
}

// ClearCart runs ClearCartFunc, then delegates.
func (m *Store) ClearCart(ctx context.Context, accountID string) error {
	if m.ClearCartFunc != nil {
		if err := m.ClearCartFunc(ctx, accountID); err != nil {
			return err
		}
	}
	return m.Store.ClearCart(ctx, accountID)
}

// EnqueueReconciliation runs EnqueueFunc, then delegates.
func (m *Store) EnqueueReconciliation(ctx context.Context, item *ledger.Reconciliation) error {
	atomic.AddInt64(&m.enqueueCalls, 1)
	if m.EnqueueFunc != nil {
		if err := m.EnqueueFunc(ctx, item); err != nil {
			return err
		}
	}
	return m.Store.EnqueueReconciliation(ctx, item)
}

// AdjustCalls returns the number of ConditionalAdjust calls (thread-safe).
func (m *Store) AdjustCalls() int {
	return int(atomic.LoadInt64(&m.adjustCalls))
}

// TransferCalls returns the number of CreateTransfer calls (thread-safe).
func (m *Store) TransferCalls() int {
	return int(atomic.LoadInt64(&m.transferCalls))
}

// PurchaseCalls returns the number of CreatePurchase calls (thread-safe).
func (m *Store) PurchaseCalls() int {
	return int(atomic.LoadInt64(&m.purchaseCalls))
}

// EnqueueCalls returns the number of EnqueueReconciliation calls (thread-safe).
func (m *Store) EnqueueCalls() int {
	return int(atomic.LoadInt64(&m.enqueueCalls))
}

// FailCredit returns an AdjustFunc that fails every positive adjustment of
// accountID with err.
func FailCredit(accountID string, err error) func(context.Context, string, money.Amount, money.Amount) error {
	return func(_ context.Context, id string, delta, _ money.Amount) error {
		if id == accountID && delta.IsPositive() {
			return err
		}
		return nil
	}
}
