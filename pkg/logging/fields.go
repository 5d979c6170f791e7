package logging

import (
	"go.uber.org/zap"

	"tap-ledger/pkg/money"
)

// Field constructors for the identifiers that appear in ledger logs.

func AccountID(id string) zap.Field    { return zap.String("account_id", id) }
func Counterparty(id string) zap.Field { return zap.String("counterparty_id", id) }
func TransferID(id string) zap.Field   { return zap.String("transfer_id", id) }
func PurchaseID(id string) zap.Field   { return zap.String("purchase_id", id) }
func RequestID(id string) zap.Field    { return zap.String("request_id", id) }
func ScanID(id string) zap.Field       { return zap.String("scan_id", id) }
func Outcome(label string) zap.Field   { return zap.String("outcome", label) }

// Amount logs a money amount in its two-decimal form.
func Amount(a money.Amount) zap.Field {
	return zap.String("amount", a.String())
}

// Balance logs a balance in its two-decimal form.
func Balance(a money.Amount) zap.Field {
	return zap.String("balance", a.String())
}
