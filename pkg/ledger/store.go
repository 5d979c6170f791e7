package ledger

import (
	"context"

	"tap-ledger/pkg/money"
)

// AccountStore holds each account's persisted balance and identity.
// ConditionalAdjust is the only operation that changes a balance.
type AccountStore interface {
	// CreateAccount persists a new account. Returns ErrTagTaken if another
	// account already carries the tag.
	CreateAccount(ctx context.Context, account *Account) error

	// GetAccount returns the account or ErrNotFound.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetBalance returns the current balance or ErrNotFound.
	GetBalance(ctx context.Context, accountID string) (money.Amount, error)

	// LookupByTag resolves an external tag to an account id or ErrNotFound.
	LookupByTag(ctx context.Context, tag string) (string, error)

	// ConditionalAdjust atomically applies balance += delta only if the stored
	// balance still equals expected. Returns ErrConflict when it does not,
	// ErrInsufficientFunds when the result would be negative and ErrNotFound
	// for unknown accounts.
	ConditionalAdjust(ctx context.Context, accountID string, delta, expected money.Amount) (Snapshot, error)
}

// TransferLog persists TransferRecords.
type TransferLog interface {
	// CreateTransfer inserts a pending record. Returns ErrDuplicateScan if
	// the record carries a scan id that is already recorded.
	CreateTransfer(ctx context.Context, record *TransferRecord) error
	UpdateTransferStatus(ctx context.Context, transferID string, status TransferStatus, reason string) error
	GetTransfer(ctx context.Context, transferID string) (*TransferRecord, error)
	FindTransferByScan(ctx context.Context, scanID string) (*TransferRecord, error)
	// ListTransfers returns transfers sent or received by the account, newest first.
	ListTransfers(ctx context.Context, accountID string, limit int) ([]TransferRecord, error)
}

// PurchaseLog persists PurchaseRecords.
type PurchaseLog interface {
	CreatePurchase(ctx context.Context, record *PurchaseRecord) error
	GetPurchase(ctx context.Context, purchaseID string) (*PurchaseRecord, error)
	ListPurchases(ctx context.Context, accountID string, limit int) ([]PurchaseRecord, error)
}

// CartStore persists per-account carts.
type CartStore interface {
	AddCartEntry(ctx context.Context, entry *CartEntry) error
	ListCart(ctx context.Context, accountID string) ([]CartEntry, error)
	RemoveCartEntries(ctx context.Context, accountID string, entryIDs ...string) error
	ClearCart(ctx context.Context, accountID string) error
}

// ReceiveLog persists ReceiveRequests.
type ReceiveLog interface {
	SaveReceiveRequest(ctx context.Context, request *ReceiveRequest) error
	GetReceiveRequest(ctx context.Context, requestID string) (*ReceiveRequest, error)
}

// ReconciliationQueue is the persistent escalation queue for failed
// compensations.
type ReconciliationQueue interface {
	EnqueueReconciliation(ctx context.Context, item *Reconciliation) error
	ListPendingReconciliations(ctx context.Context) ([]Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id string) error
}

// CredentialStore keeps password hashes next to accounts.
type CredentialStore interface {
	SetPasswordHash(ctx context.Context, accountID string, hash []byte) error
	PasswordHash(ctx context.Context, accountID string) ([]byte, error)
}

// Store is the full remote record store.
type Store interface {
	AccountStore
	TransferLog
	PurchaseLog
	CartStore
	ReceiveLog
	ReconciliationQueue
	CredentialStore
	Close() error
}

// BalanceObserver is notified after a balance change has been committed.
type BalanceObserver interface {
	BalanceChanged(ctx context.Context, snap Snapshot)
}
