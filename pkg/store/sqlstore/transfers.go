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

const transferColumns = `id, sender_id, recipient_id, amount_cents, status, scan_id, failure_reason, created_at, updated_at`

func scanTransfer(row interface{ Scan(...interface{}) error }) (*ledger.TransferRecord, error) {
	var (
		rec                  ledger.TransferRecord
		cents                int64
		status               string
		scanID               sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.SenderID, &rec.RecipientID, &cents, &status, &scanID,
		&rec.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Amount = money.FromCents(cents)
	rec.Status = ledger.TransferStatus(status)
	rec.ScanID = scanID.String
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return &rec, nil
}

// CreateTransfer inserts a transfer record. The unique scan_id index makes
// scan consumption atomic across processes.
func (s *Store) CreateTransfer(ctx context.Context, record *ledger.TransferRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO transfers (`+transferColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.SenderID, record.RecipientID, record.Amount.Cents(), string(record.Status),
		nullString(record.ScanID), record.FailureReason, toUnix(record.CreatedAt), toUnix(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && record.ScanID != "" {
			return ledger.ErrDuplicateScan
		}
		if isForeignKeyViolation(err) {
			return ledger.ErrNotFound
		}
		return fmt.Errorf("sqlstore: insert transfer: %w", err)
	}
	return nil
}

// UpdateTransferStatus moves a pending transfer to a new status. Completed
// and failed records are immutable.
func (s *Store) UpdateTransferStatus(ctx context.Context, transferID string, status ledger.TransferStatus, reason string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE transfers SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), reason, toUnix(time.Now()), transferID, string(ledger.TransferPending),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: update transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: update transfer: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: transfer %s is %s", ledger.ErrRecordFinal, transferID, current.Status)
}

// GetTransfer returns the transfer record.
func (s *Store) GetTransfer(ctx context.Context, transferID string) (*ledger.TransferRecord, error) {
	rec, err := scanTransfer(s.queryRow(ctx, s.db,
		`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, transferID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("sqlstore: get transfer: %w", err)
	}
	return rec, nil
}

// FindTransferByScan returns the transfer that consumed scanID.
func (s *Store) FindTransferByScan(ctx context.Context, scanID string) (*ledger.TransferRecord, error) {
	if scanID == "" {
		return nil, ledger.ErrRecordNotFound
	}
	rec, err := scanTransfer(s.queryRow(ctx, s.db,
		`SELECT `+transferColumns+` FROM transfers WHERE scan_id = ?`, scanID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("sqlstore: find transfer by scan: %w", err)
	}
	return rec, nil
}

// ListTransfers returns transfers sent or received by the account, newest first.
func (s *Store) ListTransfers(ctx context.Context, accountID string, limit int) ([]ledger.TransferRecord, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+transferColumns+` FROM transfers
		  WHERE sender_id = ? OR recipient_id = ?
		  ORDER BY created_at DESC, id`+limitClause(limit),
		accountID, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list transfers: %w", err)
	}
	defer rows.Close()

	var out []ledger.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan transfer: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
