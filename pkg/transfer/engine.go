// Package transfer moves money between two accounts.
//
// A transfer is a debit of the sender followed by a credit of the recipient,
// each applied with ledger.AdjustWithRetry. The two writes are not atomic:
// when the credit cannot be applied the sender is refunded, and when the
// refund cannot be applied either the debit is escalated to the
// reconciliation queue. A debit is never left unmatched silently.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/money"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures an Engine.
type Config struct {
	// Retry bounds the debit and credit loops
	Retry ledger.RetryPolicy

	// CompensationRetry bounds the refund loop (default: 3x Retry attempts)
	CompensationRetry ledger.RetryPolicy

	// SettleTimeout bounds the credit and any refund once the debit has
	// committed. They run detached from the caller's context. (default: 10s)
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

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Accounts  ledger.AccountStore
	Transfers ledger.TransferLog
	Reconcile ledger.ReconciliationQueue
	Verifier  auth.Verifier

	// Observers are told about every committed balance change.
	Observers []ledger.BalanceObserver
}

// Engine executes transfers.
type Engine struct {
	deps    Dependencies
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	now     func() time.Time
}

// NewEngine creates a transfer engine.
func NewEngine(deps Dependencies, config Config) (*Engine, error) {
	return NewEngineWithMetrics(deps, config, metrics.NoOpCollector{})
}

// NewEngineWithMetrics creates a transfer engine that records outcomes,
// conflicts and compensations.
func NewEngineWithMetrics(deps Dependencies, config Config, metricsCollector metrics.MetricsCollector) (*Engine, error) {
	if deps.Accounts == nil || deps.Transfers == nil || deps.Reconcile == nil {
		return nil, errors.New("transfer: account store, transfer log and reconciliation queue required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("transfer: credential verifier required")
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
		logger:  logging.Component("transfer"),
		now:     time.Now,
	}, nil
}

// Transfer sends amount from senderID to the account registered under
// recipientTag after re-verifying the sender's credential.
func (e *Engine) Transfer(ctx context.Context, senderID, recipientTag string, amount money.Amount, credential string) (*ledger.TransferRecord, error) {
	start := time.Now()
	rec, err := e.transfer(ctx, senderID, recipientTag, amount, credential)
	e.metrics.RecordTransfer(ledger.ClassifyError(err), time.Since(start))
	return rec, err
}

func (e *Engine) transfer(ctx context.Context, senderID, recipientTag string, amount money.Amount, credential string) (*ledger.TransferRecord, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	recipientID, err := e.deps.Accounts.LookupByTag(ctx, recipientTag)
	if err != nil {
		return nil, ledger.WrapError(err, "transfer: resolve recipient")
	}
	if recipientID == senderID {
		return nil, ledger.ErrSelfTransferRejected
	}

	if err := e.deps.Verifier.Verify(ctx, senderID, credential); err != nil {
		return nil, ledger.WrapError(err, "transfer: verify credential")
	}

	return e.execute(ctx, senderID, recipientID, amount, "")
}

// SystemTransfer sends amount from senderID to recipientID on the strength
// of a card scan. Possession of the card replaces the credential check. The
// scan id is recorded with the transfer and can be consumed only once.
func (e *Engine) SystemTransfer(ctx context.Context, senderID, recipientID string, amount money.Amount, scanID string) (*ledger.TransferRecord, error) {
	start := time.Now()
	rec, err := e.systemTransfer(ctx, senderID, recipientID, amount, scanID)
	e.metrics.RecordTransfer(ledger.ClassifyError(err), time.Since(start))
	return rec, err
}

func (e *Engine) systemTransfer(ctx context.Context, senderID, recipientID string, amount money.Amount, scanID string) (*ledger.TransferRecord, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	if scanID == "" {
		return nil, ledger.ErrInvalidScan
	}
	if senderID == recipientID {
		return nil, ledger.ErrSelfTransferRejected
	}
	if _, err := e.deps.Accounts.GetBalance(ctx, recipientID); err != nil {
		return nil, ledger.WrapError(err, "transfer: resolve recipient")
	}
	return e.execute(ctx, senderID, recipientID, amount, scanID)
}

func (e *Engine) execute(ctx context.Context, senderID, recipientID string, amount money.Amount, scanID string) (*ledger.TransferRecord, error) {
	balance, err := e.deps.Accounts.GetBalance(ctx, senderID)
	if err != nil {
		return nil, ledger.WrapError(err, "transfer: read sender balance")
	}
	if balance.LessThan(amount) {
		return nil, ledger.ErrInsufficientFunds
	}

	now := e.now()
	rec := &ledger.TransferRecord{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Amount:      amount,
		Status:      ledger.TransferPending,
		ScanID:      scanID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.deps.Transfers.CreateTransfer(ctx, rec); err != nil {
		return nil, ledger.WrapError(err, "transfer: create record")
	}

	log := e.logger.With(
		logging.TransferID(rec.ID),
		logging.AccountID(senderID),
		logging.Counterparty(recipientID),
		logging.Amount(amount),
	)
	if scanID != "" {
		log = log.With(logging.ScanID(scanID))
	}

	debit, err := ledger.AdjustWithRetry(ctx, e.deps.Accounts, senderID, amount.Neg(), e.config.Retry)
	e.recordConflicts(debit.Conflicts)
	if err != nil {
		e.fail(rec, err.Error())
		log.Info("transfer rejected at debit", logging.Outcome(ledger.ClassifyError(err)))
		return rec, ledger.WrapError(err, "transfer: debit sender")
	}

	// The debit is committed. The credit and any refund must run to the end
	// even if the caller goes away.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.SettleTimeout)
	defer cancel()

	e.notify(settleCtx, debit.Snapshot)

	credit, err := ledger.AdjustWithRetry(settleCtx, e.deps.Accounts, recipientID, amount, e.config.Retry)
	e.recordConflicts(credit.Conflicts)
	if err != nil {
		log.Warn("credit failed, refunding sender", zap.Error(err))
		return rec, e.compensate(settleCtx, rec, err, log)
	}
	e.notify(settleCtx, credit.Snapshot)

	rec.Status = ledger.TransferCompleted
	rec.UpdatedAt = e.now()
	if err := e.deps.Transfers.UpdateTransferStatus(settleCtx, rec.ID, ledger.TransferCompleted, ""); err != nil {
		// Both balances moved; only the audit status is stale.
		log.Error("failed to mark transfer completed", zap.Error(err))
	}

	log.Info("transfer completed",
		zap.Int("debit_attempts", debit.Attempts),
		zap.Int("credit_attempts", credit.Attempts),
	)
	return rec, nil
}

// compensate refunds the sender after a failed credit. It returns the
// credit error when the refund succeeds and ErrCompensationFailed when it
// does not.
func (e *Engine) compensate(ctx context.Context, rec *ledger.TransferRecord, creditErr error, log *logging.Logger) error {
	refund, err := ledger.AdjustWithRetry(ctx, e.deps.Accounts, rec.SenderID, rec.Amount, e.config.CompensationRetry)
	e.recordConflicts(refund.Conflicts)
	if err == nil {
		e.metrics.RecordCompensation("transfer", true)
		e.notify(ctx, refund.Snapshot)
		e.fail(rec, "credit failed: "+creditErr.Error())
		log.Info("sender refunded")
		return ledger.WrapError(creditErr, "transfer: credit recipient")
	}

	e.metrics.RecordCompensation("transfer", false)
	e.fail(rec, "compensation failed: "+err.Error())

	item := &ledger.Reconciliation{
		ID:        uuid.NewString(),
		Kind:      ledger.ReconcileTransferRefund,
		AccountID: rec.SenderID,
		Amount:    rec.Amount,
		Reference: rec.ID,
		Reason:    fmt.Sprintf("credit: %v; refund: %v", creditErr, err),
		CreatedAt: e.now(),
	}
	if qerr := e.deps.Reconcile.EnqueueReconciliation(ctx, item); qerr != nil {
		log.Error("failed to enqueue reconciliation", zap.Error(qerr))
	}

	log.Error("transfer compensation failed",
		zap.String("reconciliation_id", item.ID),
		zap.NamedError("credit_error", creditErr),
		zap.NamedError("refund_error", err),
	)
	return fmt.Errorf("%w: transfer %s: %v", ledger.ErrCompensationFailed, rec.ID, err)
}

func (e *Engine) fail(rec *ledger.TransferRecord, reason string) {
	rec.Status = ledger.TransferFailed
	rec.FailureReason = reason
	rec.UpdatedAt = e.now()

	ctx, cancel := context.WithTimeout(context.Background(), e.config.SettleTimeout)
	defer cancel()
	if err := e.deps.Transfers.UpdateTransferStatus(ctx, rec.ID, ledger.TransferFailed, reason); err != nil {
		e.logger.Error("failed to mark transfer failed",
			logging.TransferID(rec.ID),
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
		e.metrics.RecordConflict("transfer")
	}
}

// History returns the account's transfers, newest first.
func (e *Engine) History(ctx context.Context, accountID string, limit int) ([]ledger.TransferRecord, error) {
	if _, err := e.deps.Accounts.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	return e.deps.Transfers.ListTransfers(ctx, accountID, limit)
}

// Get returns one transfer record.
func (e *Engine) Get(ctx context.Context, transferID string) (*ledger.TransferRecord, error) {
	return e.deps.Transfers.GetTransfer(ctx, transferID)
}
