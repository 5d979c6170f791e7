package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

// SaveReceiveRequest inserts or replaces a receive request.
func (s *Store) SaveReceiveRequest(ctx context.Context, r *ledger.ReceiveRequest) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO receive_requests (id, receiver_id, claimed_sender_tag, sender_id, amount_cents, status,
		                               scan_id, card_uid, transfer_id, failure_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   sender_id = excluded.sender_id,
		   status = excluded.status,
		   scan_id = excluded.scan_id,
		   card_uid = excluded.card_uid,
		   transfer_id = excluded.transfer_id,
		   failure_reason = excluded.failure_reason,
		   updated_at = excluded.updated_at`,
		r.ID, r.ReceiverID, r.ClaimedSenderTag, r.SenderID, r.Amount.Cents(), string(r.Status),
		r.ScanID, r.CardUID, r.TransferID, r.FailureReason, toUnix(r.CreatedAt), toUnix(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: save receive request: %w", err)
	}
	return nil
}

// GetReceiveRequest returns the receive request.
func (s *Store) GetReceiveRequest(ctx context.Context, requestID string) (*ledger.ReceiveRequest, error) {
	var (
		r                    ledger.ReceiveRequest
		cents                int64
		status               string
		createdAt, updatedAt int64
	)
	err := s.queryRow(ctx, s.db,
		`SELECT id, receiver_id, claimed_sender_tag, sender_id, amount_cents, status,
		        scan_id, card_uid, transfer_id, failure_reason, created_at, updated_at
		   FROM receive_requests WHERE id = ?`, requestID,
	).Scan(&r.ID, &r.ReceiverID, &r.ClaimedSenderTag, &r.SenderID, &cents, &status,
		&r.ScanID, &r.CardUID, &r.TransferID, &r.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("sqlstore: get receive request: %w", err)
	}
	r.Amount = money.FromCents(cents)
	r.Status = ledger.ReceiveStatus(status)
	r.CreatedAt = fromUnix(createdAt)
	r.UpdatedAt = fromUnix(updatedAt)
	return &r, nil
}

// EnqueueReconciliation appends an item to the reconciliation queue.
func (s *Store) EnqueueReconciliation(ctx context.Context, item *ledger.Reconciliation) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	var resolvedAt interface{}
	if item.ResolvedAt != nil {
		resolvedAt = toUnix(*item.ResolvedAt)
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO reconciliations (id, kind, account_id, amount_cents, reference, reason, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Kind), item.AccountID, item.Amount.Cents(), item.Reference, item.Reason,
		toUnix(item.CreatedAt), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: enqueue reconciliation: %w", err)
	}
	return nil
}

// ListPendingReconciliations returns unresolved items, oldest first.
func (s *Store) ListPendingReconciliations(ctx context.Context) ([]ledger.Reconciliation, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, kind, account_id, amount_cents, reference, reason, created_at FROM reconciliations
		  WHERE resolved_at IS NULL
		  ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Reconciliation
	for rows.Next() {
		var (
			item      ledger.Reconciliation
			kind      string
			cents     int64
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &kind, &item.AccountID, &cents, &item.Reference, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan reconciliation: %w", err)
		}
		item.Kind = ledger.ReconciliationKind(kind)
		item.Amount = money.FromCents(cents)
		item.CreatedAt = fromUnix(createdAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// ResolveReconciliation marks an item resolved.
func (s *Store) ResolveReconciliation(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE reconciliations SET resolved_at = ? WHERE id = ?`, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlstore: resolve reconciliation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}
