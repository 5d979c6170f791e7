// Package ledger defines the account, transfer, purchase and receive records
// shared by the stores and engines, together with the ledger error taxonomy.
package ledger

import (
	"fmt"
	"time"

	"tap-ledger/pkg/money"
)

// Account is a user's balance-holding identity.
type Account struct {
	ID          string
	Tag         string
	DisplayName string
	Balance     money.Amount
	// Version increases by one on every successful balance adjustment.
	Version   int64
	CreatedAt time.Time
}

// Snapshot is an account balance observed at a specific version.
type Snapshot struct {
	AccountID string
	Balance   money.Amount
	Version   int64
}

// Snapshot returns the account's current balance snapshot.
func (a *Account) Snapshot() Snapshot {
	return Snapshot{AccountID: a.ID, Balance: a.Balance, Version: a.Version}
}

// TransferStatus is the lifecycle state of a TransferRecord.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// TransferRecord is the audit entry for one peer-to-peer transfer.
type TransferRecord struct {
	ID          string
	SenderID    string
	RecipientID string
	Amount      money.Amount
	Status      TransferStatus
	// ScanID is set when the transfer was authorized by a card scan.
	ScanID        string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineItem is one priced entry of a purchase.
type LineItem struct {
	ItemID    string
	Name      string
	Quantity  int
	UnitPrice money.Amount
}

// Subtotal returns Quantity * UnitPrice. A product outside the money range
// yields money.ErrOutOfRange.
func (li LineItem) Subtotal() (money.Amount, error) {
	return li.UnitPrice.MulInt(li.Quantity)
}

// Total sums the subtotals of the given items.
func Total(items []LineItem) (money.Amount, error) {
	total := money.Zero
	for _, item := range items {
		sub, err := item.Subtotal()
		if err != nil {
			return money.Zero, fmt.Errorf("item %q: %w", item.ItemID, err)
		}
		if total, err = total.Add(sub); err != nil {
			return money.Zero, err
		}
	}
	return total, nil
}

// PurchaseRecord is the immutable record of a settled cart.
type PurchaseRecord struct {
	ID          string
	AccountID   string
	LineItems   []LineItem
	Total       money.Amount
	PurchasedAt time.Time
}

// CartEntry is a line item waiting in an account's cart.
type CartEntry struct {
	ID        string
	AccountID string
	Item      LineItem
	AddedAt   time.Time
}

// ReceiveStatus is the lifecycle state of a ReceiveRequest.
type ReceiveStatus string

const (
	ReceiveAwaitingScan ReceiveStatus = "awaiting_scan"
	ReceiveMatched      ReceiveStatus = "matched"
	ReceiveSettled      ReceiveStatus = "settled"
	ReceiveExpired      ReceiveStatus = "expired"
	ReceiveFailed       ReceiveStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ReceiveStatus) Terminal() bool {
	return s == ReceiveSettled || s == ReceiveExpired || s == ReceiveFailed
}

// ReceiveRequest is a pending "receive money by card scan" request.
type ReceiveRequest struct {
	ID               string
	ReceiverID       string
	ClaimedSenderTag string
	SenderID         string
	Amount           money.Amount
	Status           ReceiveStatus
	ScanID           string
	CardUID          string
	TransferID       string
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReconciliationKind names the operation whose compensation failed.
type ReconciliationKind string

const (
	ReconcileTransferRefund ReconciliationKind = "transfer_refund"
	ReconcilePurchaseRefund ReconciliationKind = "purchase_refund"
)

// Reconciliation is an operator work item for a debit that could be neither
// matched by a credit nor refunded.
type Reconciliation struct {
	ID        string
	Kind      ReconciliationKind
	AccountID string
	Amount    money.Amount
	// Reference is the transfer or purchase attempt id.
	Reference  string
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
