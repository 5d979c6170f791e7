package ledger

import (
	"context"
	"errors"
	"fmt"

	"tap-ledger/pkg/money"
)

// Ledger errors. Validation errors are reported without side effects;
// ErrConflict never leaves the engines (it becomes ErrContention once the
// retry budget is spent).
var (
	// ErrInvalidAmount is returned when an amount is not a positive finite number
	ErrInvalidAmount = money.ErrInvalidAmount

	// ErrNotFound is returned when an account id or tag does not exist
	ErrNotFound = errors.New("ledger: account not found")

	// ErrRecordNotFound is returned for unknown transfer, purchase, cart or receive records
	ErrRecordNotFound = errors.New("ledger: record not found")

	// ErrSelfTransferRejected is returned when sender and recipient are the same account
	ErrSelfTransferRejected = errors.New("ledger: cannot transfer to own account")

	// ErrSelfReceiveRejected is returned when the claimed sender is the receiver
	ErrSelfReceiveRejected = errors.New("ledger: cannot receive from own account")

	// ErrUnauthorized is returned when credential re-verification fails
	ErrUnauthorized = errors.New("ledger: credential verification failed")

	// ErrInsufficientFunds is returned when the balance cannot cover the debit
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrConflict is returned by ConditionalAdjust when the expected balance is stale
	ErrConflict = errors.New("ledger: balance changed concurrently")

	// ErrContention is returned when the optimistic retry budget is exhausted
	ErrContention = errors.New("ledger: too much concurrent activity on account")

	// ErrReceiveInProgress is returned when the receiver already has a pending request
	ErrReceiveInProgress = errors.New("ledger: a receive request is already pending")

	// ErrDuplicateScan is returned when a scan id has already been consumed
	ErrDuplicateScan = errors.New("ledger: scan already used")

	// ErrExpired is returned when no scan arrived within the wait window
	ErrExpired = errors.New("ledger: receive request expired")

	// ErrRequestClosed is returned for a scan reported against a receive
	// request that already matched a different scan or failed
	ErrRequestClosed = errors.New("ledger: receive request is closed")

	// ErrCompensationFailed is returned when a refund could not be written after a debit
	ErrCompensationFailed = errors.New("ledger: compensation failed")

	// ErrEmptyCart is returned when a settlement has no line items
	ErrEmptyCart = errors.New("ledger: cart is empty")

	// ErrInvalidLineItem is returned for a line item with a non-positive quantity or negative price
	ErrInvalidLineItem = errors.New("ledger: invalid line item")

	// ErrPurchaseNotRecorded is returned when the purchase record could not be
	// written and the debit was refunded
	ErrPurchaseNotRecorded = errors.New("ledger: purchase not recorded")

	// ErrTagTaken is returned when registering a tag that is already in use
	ErrTagTaken = errors.New("ledger: tag already registered")

	// ErrInvalidScan is returned for a scan report without a scan id
	ErrInvalidScan = errors.New("ledger: invalid scan report")

	// ErrRecordFinal is returned when changing the status of a transfer that
	// is already completed or failed
	ErrRecordFinal = errors.New("ledger: record is already final")
)

// IsNotFound checks if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if the error is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInsufficientFunds checks if the error indicates an insufficient balance.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// IsCompensationFailed checks if the error requires operator reconciliation.
func IsCompensationFailed(err error) bool {
	return errors.Is(err, ErrCompensationFailed)
}

// IsValidation reports whether err is a terminal validation rejection that
// left no side effects.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSelfTransferRejected),
		errors.Is(err, ErrSelfReceiveRejected),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrInvalidLineItem):
		return true
	}
	return false
}

var classes = []struct {
	err   error
	label string
}{
	{ErrCompensationFailed, "compensation_failed"},
	{ErrPurchaseNotRecorded, "purchase_not_recorded"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrNotFound, "not_found"},
	{ErrRecordNotFound, "record_not_found"},
	{ErrSelfTransferRejected, "self_transfer"},
	{ErrSelfReceiveRejected, "self_receive"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrContention, "contention"},
	{ErrConflict, "conflict"},
	{ErrReceiveInProgress, "receive_in_progress"},
	{ErrDuplicateScan, "duplicate_scan"},
	{ErrExpired, "expired"},
	{ErrRequestClosed, "request_closed"},
	{ErrEmptyCart, "empty_cart"},
	{ErrInvalidLineItem, "invalid_line_item"},
	{ErrTagTaken, "tag_taken"},
	{ErrInvalidScan, "invalid_scan"},
	{ErrRecordFinal, "record_final"},
}

// ErrorForClass returns the sentinel error labelled class by ClassifyError,
// or nil when class has none.
func ErrorForClass(class string) error {
	for _, c := range classes {
		if c.label == class {
			return c.err
		}
	}
	return nil
}

// ClassifyError returns a stable label for the error, used for metrics and
// API error codes.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.label
		}
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal"
}

var messages = map[string]string{
	"compensation_failed":   "The payment could not be completed or reversed. Support has been notified.",
	"purchase_not_recorded": "Your order could not be saved. You have not been charged.",
	"invalid_amount":        "Enter an amount greater than zero.",
	"not_found":             "No account matches that ID.",
	"record_not_found":      "That record does not exist.",
	"self_transfer":         "You cannot send money to yourself.",
	"self_receive":          "You cannot receive money from yourself.",
	"unauthorized":          "Incorrect password.",
	"insufficient_funds":    "Insufficient balance.",
	"contention":            "The account is busy. Please try again.",
	"conflict":              "The balance changed while processing. Please try again.",
	"receive_in_progress":   "You already have a pending receive request.",
	"duplicate_scan":        "This card scan was already used.",
	"expired":               "No card was scanned in time.",
	"request_closed":        "This receive request is no longer waiting for a card.",
	"empty_cart":            "Your cart is empty.",
	"invalid_line_item":     "A cart item has an invalid quantity or price.",
	"tag_taken":             "That ID is already registered.",
	"invalid_scan":          "The card reader returned an unusable scan.",
	"record_final":          "That record is already final and cannot change.",
	"canceled":              "The request was cancelled.",
	"timeout":               "The request timed out. Please try again.",
	"internal":              "Something went wrong. Please try again later.",
}

// Message returns the user-facing message for err. Each error class has its
// own message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return messages[ClassifyError(err)]
}

// WrapError adds operation context to err, preserving it for errors.Is.
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", operation, err)
}
