package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

// CreatePurchase inserts a purchase and its line items in one transaction.
func (s *Store) CreatePurchase(ctx context.Context, record *ledger.PurchaseRecord) error {
	if record.PurchasedAt.IsZero() {
		record.PurchasedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = s.exec(ctx, tx,
		`INSERT INTO purchases (id, account_id, total_cents, purchased_at) VALUES (?, ?, ?, ?)`,
		record.ID, record.AccountID, record.Total.Cents(), toUnix(record.PurchasedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ledger.ErrNotFound
		}
		return fmt.Errorf("sqlstore: insert purchase: %w", err)
	}

	for i, item := range record.LineItems {
		_, err = s.exec(ctx, tx,
			`INSERT INTO purchase_items (purchase_id, position, item_id, name, quantity, unit_price_cents)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID, i, item.ItemID, item.Name, item.Quantity, item.UnitPrice.Cents(),
		)
		if err != nil {
			return fmt.Errorf("sqlstore: insert purchase item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit purchase: %w", err)
	}
	return nil
}

// GetPurchase returns the purchase with its line items.
func (s *Store) GetPurchase(ctx context.Context, purchaseID string) (*ledger.PurchaseRecord, error) {
	var (
		rec         ledger.PurchaseRecord
		cents       int64
		purchasedAt int64
	)
	err := s.queryRow(ctx, s.db,
		`SELECT id, account_id, total_cents, purchased_at FROM purchases WHERE id = ?`, purchaseID,
	).Scan(&rec.ID, &rec.AccountID, &cents, &purchasedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("sqlstore: get purchase: %w", err)
	}
	rec.Total = money.FromCents(cents)
	rec.PurchasedAt = fromUnix(purchasedAt)

	items, err := s.purchaseItems(ctx, []string{rec.ID})
	if err != nil {
		return nil, err
	}
	rec.LineItems = items[rec.ID]
	return &rec, nil
}

// ListPurchases returns the account's purchases, newest first.
func (s *Store) ListPurchases(ctx context.Context, accountID string, limit int) ([]ledger.PurchaseRecord, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, account_id, total_cents, purchased_at FROM purchases
		  WHERE account_id = ?
		  ORDER BY purchased_at DESC, id`+limitClause(limit),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list purchases: %w", err)
	}

	var (
		out []ledger.PurchaseRecord
		ids []string
	)
	for rows.Next() {
		var (
			rec         ledger.PurchaseRecord
			cents       int64
			purchasedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &cents, &purchasedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: scan purchase: %w", err)
		}
		rec.Total = money.FromCents(cents)
		rec.PurchasedAt = fromUnix(purchasedAt)
		out = append(out, rec)
		ids = append(ids, rec.ID)
	}
	// Rows must be closed before the next query on a single-connection pool.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list purchases: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := s.purchaseItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].LineItems = items[out[i].ID]
	}
	return out, nil
}

func (s *Store) purchaseItems(ctx context.Context, purchaseIDs []string) (map[string][]ledger.LineItem, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(purchaseIDs)), ", ")
	args := make([]interface{}, len(purchaseIDs))
	for i, id := range purchaseIDs {
		args[i] = id
	}

	rows, err := s.query(ctx, s.db,
		`SELECT purchase_id, item_id, name, quantity, unit_price_cents FROM purchase_items
		  WHERE purchase_id IN (`+placeholders+`)
		  ORDER BY purchase_id, position`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list purchase items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]ledger.LineItem, len(purchaseIDs))
	for rows.Next() {
		var (
			purchaseID string
			item       ledger.LineItem
			cents      int64
		)
		if err := rows.Scan(&purchaseID, &item.ItemID, &item.Name, &item.Quantity, &cents); err != nil {
			return nil, fmt.Errorf("sqlstore: scan purchase item: %w", err)
		}
		item.UnitPrice = money.FromCents(cents)
		out[purchaseID] = append(out[purchaseID], item)
	}
	return out, rows.Err()
}

// AddCartEntry appends an entry to the account's cart.
func (s *Store) AddCartEntry(ctx context.Context, entry *ledger.CartEntry) error {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO cart_entries (id, account_id, item_id, name, quantity, unit_price_cents, added_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.Item.ItemID, entry.Item.Name, entry.Item.Quantity,
		entry.Item.UnitPrice.Cents(), toUnix(entry.AddedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ledger.ErrNotFound
		}
		return fmt.Errorf("sqlstore: insert cart entry: %w", err)
	}
	return nil
}

// ListCart returns the account's cart in insertion order.
func (s *Store) ListCart(ctx context.Context, accountID string) ([]ledger.CartEntry, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, account_id, item_id, name, quantity, unit_price_cents, added_at FROM cart_entries
		  WHERE account_id = ?
		  ORDER BY added_at, id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list cart: %w", err)
	}
	defer rows.Close()

	var out []ledger.CartEntry
	for rows.Next() {
		var (
			entry   ledger.CartEntry
			cents   int64
			addedAt int64
		)
		err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Item.ItemID, &entry.Item.Name,
			&entry.Item.Quantity, &cents, &addedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan cart entry: %w", err)
		}
		entry.Item.UnitPrice = money.FromCents(cents)
		entry.AddedAt = fromUnix(addedAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// RemoveCartEntries deletes the given entries from the account's cart.
// Unknown ids are ignored.
func (s *Store) RemoveCartEntries(ctx context.Context, accountID string, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(entryIDs)), ", ")
	args := make([]interface{}, 0, len(entryIDs)+1)
	args = append(args, accountID)
	for _, id := range entryIDs {
		args = append(args, id)
	}

	_, err := s.exec(ctx, s.db,
		`DELETE FROM cart_entries WHERE account_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlstore: remove cart entries: %w", err)
	}
	return nil
}

// ClearCart removes every entry from the account's cart.
func (s *Store) ClearCart(ctx context.Context, accountID string) error {
	if _, err := s.exec(ctx, s.db, `DELETE FROM cart_entries WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("sqlstore: clear cart: %w", err)
	}
	return nil
}
