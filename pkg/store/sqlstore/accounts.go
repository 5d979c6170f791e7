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

const accountColumns = `id, tag, display_name, balance_cents, version, created_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*ledger.Account, error) {
	var (
		acc       ledger.Account
		cents     int64
		createdAt int64
	)
	if err := row.Scan(&acc.ID, &acc.Tag, &acc.DisplayName, &cents, &acc.Version, &createdAt); err != nil {
		return nil, err
	}
	acc.Balance = money.FromCents(cents)
	acc.CreatedAt = fromUnix(createdAt)
	return &acc, nil
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, account *ledger.Account) error {
	if account.Balance.IsNegative() {
		return ledger.ErrInsufficientFunds
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO accounts (id, tag, display_name, balance_cents, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID, account.Tag, account.DisplayName, account.Balance.Cents(), account.Version, toUnix(account.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrTagTaken
		}
		return fmt.Errorf("sqlstore: insert account: %w", err)
	}
	return nil
}

// GetAccount returns the account or ledger.ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	acc, err := scanAccount(s.queryRow(ctx, s.db,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: get account: %w", err)
	}
	return acc, nil
}

// GetBalance returns the account balance or ledger.ErrNotFound.
func (s *Store) GetBalance(ctx context.Context, accountID string) (money.Amount, error) {
	var cents int64
	err := s.queryRow(ctx, s.db, `SELECT balance_cents FROM accounts WHERE id = ?`, accountID).Scan(&cents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return money.Zero, ledger.ErrNotFound
		}
		return money.Zero, fmt.Errorf("sqlstore: get balance: %w", err)
	}
	return money.FromCents(cents), nil
}

// LookupByTag resolves a tag to an account id.
func (s *Store) LookupByTag(ctx context.Context, tag string) (string, error) {
	var id string
	err := s.queryRow(ctx, s.db, `SELECT id FROM accounts WHERE tag = ?`, tag).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ledger.ErrNotFound
		}
		return "", fmt.Errorf("sqlstore: lookup tag: %w", err)
	}
	return id, nil
}

// ConditionalAdjust applies delta in a single UPDATE guarded by the expected
// balance. When no row is updated a follow-up read decides between
// ErrNotFound, ErrConflict and ErrInsufficientFunds.
func (s *Store) ConditionalAdjust(ctx context.Context, accountID string, delta, expected money.Amount) (ledger.Snapshot, error) {
	if _, err := expected.Add(delta); err != nil {
		return ledger.Snapshot{}, err
	}

	var cents, version int64
	err := s.queryRow(ctx, s.db,
		`UPDATE accounts
		    SET balance_cents = balance_cents + ?, version = version + 1
		  WHERE id = ? AND balance_cents = ? AND balance_cents + ? >= 0
		RETURNING balance_cents, version`,
		delta.Cents(), accountID, expected.Cents(), delta.Cents(),
	).Scan(&cents, &version)
	if err == nil {
		return ledger.Snapshot{AccountID: accountID, Balance: money.FromCents(cents), Version: version}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Snapshot{}, fmt.Errorf("sqlstore: adjust balance: %w", err)
	}

	current, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	if !current.Equal(expected) {
		return ledger.Snapshot{}, ledger.ErrConflict
	}
	return ledger.Snapshot{}, ledger.ErrInsufficientFunds
}

// SetPasswordHash stores the password hash for an existing account.
func (s *Store) SetPasswordHash(ctx context.Context, accountID string, hash []byte) error {
	res, err := s.exec(ctx, s.db, `UPDATE accounts SET password_hash = ? WHERE id = ?`, string(hash), accountID)
	if err != nil {
		return fmt.Errorf("sqlstore: set password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// PasswordHash returns the stored hash or ledger.ErrNotFound.
func (s *Store) PasswordHash(ctx context.Context, accountID string) ([]byte, error) {
	var hash sql.NullString
	err := s.queryRow(ctx, s.db, `SELECT password_hash FROM accounts WHERE id = ?`, accountID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: get password: %w", err)
	}
	if !hash.Valid {
		return nil, ledger.ErrNotFound
	}
	return []byte(hash.String), nil
}
