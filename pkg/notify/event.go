// Package notify carries ledger change notifications between processes.
//
// Engines hand balance snapshots to a Publisher, which delivers them to a Feed
// on a bounded worker pool. Balance views and cart screens subscribe to the
// feed to refresh their cached state.
package notify

import (
	"context"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

// EventType names the kind of change an Event reports.
type EventType string

const (
	// BalanceChanged carries the new balance and version of an account.
	BalanceChanged EventType = "balance.changed"
	// CartChanged signals that an account's cart was modified.
	CartChanged EventType = "cart.changed"
)

// Event is a change notification.
type Event struct {
	Type      EventType    `json:"type"`
	AccountID string       `json:"account_id"`
	Balance   money.Amount `json:"balance"`
	Version   int64        `json:"version,omitempty"`
	At        time.Time    `json:"at"`
}

// BalanceEvent builds a BalanceChanged event from a snapshot.
func BalanceEvent(snap ledger.Snapshot) Event {
	return Event{
		Type:      BalanceChanged,
		AccountID: snap.AccountID,
		Balance:   snap.Balance,
		Version:   snap.Version,
		At:        time.Now().UTC(),
	}
}

// CartEvent builds a CartChanged event for an account.
func CartEvent(accountID string) Event {
	return Event{Type: CartChanged, AccountID: accountID, At: time.Now().UTC()}
}

// Snapshot returns the balance snapshot carried by a BalanceChanged event.
func (e Event) Snapshot() ledger.Snapshot {
	return ledger.Snapshot{AccountID: e.AccountID, Balance: e.Balance, Version: e.Version}
}

// Handler receives events from a Feed.
type Handler func(Event)

// Subscription is an active feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// Feed is a change-notification transport.
type Feed interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(handler Handler) (Subscription, error)
	Close() error
}
