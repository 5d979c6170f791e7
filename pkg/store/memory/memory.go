package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

// Store is an in-memory implementation of ledger.Store. The mutex plays the
// role of the remote store's row-level atomicity; callers never hold it across
// operations.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]*ledger.Account
	tags         map[string]string
	passwords    map[string][]byte
	transfers    map[string]*ledger.TransferRecord
	scans        map[string]string
	purchases    map[string]*ledger.PurchaseRecord
	carts        map[string][]ledger.CartEntry
	receives     map[string]*ledger.ReceiveRequest
	reconcile    map[string]*ledger.Reconciliation
	reconcileSeq []string
}

var _ ledger.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]*ledger.Account),
		tags:      make(map[string]string),
		passwords: make(map[string][]byte),
		transfers: make(map[string]*ledger.TransferRecord),
		scans:     make(map[string]string),
		purchases: make(map[string]*ledger.PurchaseRecord),
		carts:     make(map[string][]ledger.CartEntry),
		receives:  make(map[string]*ledger.ReceiveRequest),
		reconcile: make(map[string]*ledger.Reconciliation),
	}
}

// CreateAccount stores a copy of the account.
func (s *Store) CreateAccount(ctx context.Context, account *ledger.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account.Balance.IsNegative() {
		return ledger.ErrInsufficientFunds
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.tags[account.Tag]; taken {
		return ledger.ErrTagTaken
	}
	if _, exists := s.accounts[account.ID]; exists {
		return ledger.ErrTagTaken
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	stored := *account
	s.accounts[account.ID] = &stored
	s.tags[account.Tag] = account.ID
	return nil
}

// GetAccount returns a copy of the account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *acc
	return &out, nil
}

// GetBalance returns the account balance.
func (s *Store) GetBalance(ctx context.Context, accountID string) (money.Amount, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return money.Zero, err
	}
	return acc.Balance, nil
}

// LookupByTag resolves a tag to an account id.
func (s *Store) LookupByTag(ctx context.Context, tag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tags[tag]
	if !ok {
		return "", ledger.ErrNotFound
	}
	return id, nil
}

// ConditionalAdjust applies delta if the balance still equals expected.
func (s *Store) ConditionalAdjust(ctx context.Context, accountID string, delta, expected money.Amount) (ledger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return ledger.Snapshot{}, ledger.ErrNotFound
	}
	if !acc.Balance.Equal(expected) {
		return ledger.Snapshot{}, ledger.ErrConflict
	}
	next, err := acc.Balance.Add(delta)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	if next.IsNegative() {
		return ledger.Snapshot{}, ledger.ErrInsufficientFunds
	}

	acc.Balance = next
	acc.Version++
	return acc.Snapshot(), nil
}

// SetPasswordHash stores the password hash for an existing account.
func (s *Store) SetPasswordHash(ctx context.Context, accountID string, hash []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return ledger.ErrNotFound
	}
	s.passwords[accountID] = append([]byte(nil), hash...)
	return nil
}

// PasswordHash returns the stored hash or ErrNotFound.
func (s *Store) PasswordHash(ctx context.Context, accountID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.passwords[accountID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return append([]byte(nil), hash...), nil
}

// CreateTransfer inserts a transfer record, claiming its scan id if present.
func (s *Store) CreateTransfer(ctx context.Context, record *ledger.TransferRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ScanID != "" {
		if _, used := s.scans[record.ScanID]; used {
			return ledger.ErrDuplicateScan
		}
		s.scans[record.ScanID] = record.ID
	}
	stored := *record
	s.transfers[record.ID] = &stored
	return nil
}

// UpdateTransferStatus moves a pending transfer to a new status. Completed
// and failed records are immutable.
func (s *Store) UpdateTransferStatus(ctx context.Context, transferID string, status ledger.TransferStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[transferID]
	if !ok {
		return ledger.ErrRecordNotFound
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: transfer %s is %s", ledger.ErrRecordFinal, transferID, rec.Status)
	}
	rec.Status = status
	rec.FailureReason = reason
	rec.UpdatedAt = time.Now()
	return nil
}

// GetTransfer returns a copy of the transfer record.
func (s *Store) GetTransfer(ctx context.Context, transferID string) (*ledger.TransferRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.transfers[transferID]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

// FindTransferByScan returns the transfer that consumed scanID.
func (s *Store) FindTransferByScan(ctx context.Context, scanID string) (*ledger.TransferRecord, error) {
	s.mu.RLock()
	id, ok := s.scans[scanID]
	s.mu.RUnlock()

	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	return s.GetTransfer(ctx, id)
}

// ListTransfers returns the account's transfers, newest first.
func (s *Store) ListTransfers(ctx context.Context, accountID string, limit int) ([]ledger.TransferRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []ledger.TransferRecord
	for _, rec := range s.transfers {
		if rec.SenderID == accountID || rec.RecipientID == accountID {
			out = append(out, *rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreatePurchase inserts a purchase record.
func (s *Store) CreatePurchase(ctx context.Context, record *ledger.PurchaseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *record
	stored.LineItems = append([]ledger.LineItem(nil), record.LineItems...)
	s.purchases[record.ID] = &stored
	return nil
}

// GetPurchase returns a copy of the purchase record.
func (s *Store) GetPurchase(ctx context.Context, purchaseID string) (*ledger.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.purchases[purchaseID]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	out := *rec
	out.LineItems = append([]ledger.LineItem(nil), rec.LineItems...)
	return &out, nil
}

// ListPurchases returns the account's purchases, newest first.
func (s *Store) ListPurchases(ctx context.Context, accountID string, limit int) ([]ledger.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []ledger.PurchaseRecord
	for _, rec := range s.purchases {
		if rec.AccountID == accountID {
			cp := *rec
			cp.LineItems = append([]ledger.LineItem(nil), rec.LineItems...)
			out = append(out, cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.After(out[j].PurchasedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddCartEntry appends an entry to the account's cart.
func (s *Store) AddCartEntry(ctx context.Context, entry *ledger.CartEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[entry.AccountID]; !ok {
		return ledger.ErrNotFound
	}
	s.carts[entry.AccountID] = append(s.carts[entry.AccountID], *entry)
	return nil
}

// ListCart returns the account's cart in insertion order.
func (s *Store) ListCart(ctx context.Context, accountID string) ([]ledger.CartEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]ledger.CartEntry(nil), s.carts[accountID]...), nil
}

// RemoveCartEntries deletes the given entries from the account's cart.
// Unknown ids are ignored.
func (s *Store) RemoveCartEntries(ctx context.Context, accountID string, entryIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remove := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		remove[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.carts[accountID][:0]
	for _, e := range s.carts[accountID] {
		if _, drop := remove[e.ID]; !drop {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.carts, accountID)
		return nil
	}
	s.carts[accountID] = kept
	return nil
}

// ClearCart removes every entry from the account's cart.
func (s *Store) ClearCart(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.carts, accountID)
	s.mu.Unlock()
	return nil
}

// SaveReceiveRequest inserts or replaces a receive request.
func (s *Store) SaveReceiveRequest(ctx context.Context, request *ledger.ReceiveRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *request
	s.receives[request.ID] = &stored
	return nil
}

// GetReceiveRequest returns a copy of the receive request.
func (s *Store) GetReceiveRequest(ctx context.Context, requestID string) (*ledger.ReceiveRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.receives[requestID]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	out := *req
	return &out, nil
}

// EnqueueReconciliation appends an item to the reconciliation queue.
func (s *Store) EnqueueReconciliation(ctx context.Context, item *ledger.Reconciliation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *item
	s.reconcile[item.ID] = &stored
	s.reconcileSeq = append(s.reconcileSeq, item.ID)
	return nil
}

// ListPendingReconciliations returns unresolved items, oldest first.
func (s *Store) ListPendingReconciliations(ctx context.Context) ([]ledger.Reconciliation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Reconciliation
	for _, id := range s.reconcileSeq {
		item := s.reconcile[id]
		if item.ResolvedAt == nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

// ResolveReconciliation marks an item resolved.
func (s *Store) ResolveReconciliation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.reconcile[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}
	now := time.Now()
	item.ResolvedAt = &now
	return nil
}

// Stats returns record counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Accounts:  len(s.accounts),
		Transfers: len(s.transfers),
		Purchases: len(s.purchases),
		Receives:  len(s.receives),
	}
}

// Stats holds record counts of the in-memory store.
type Stats struct {
	Accounts  int
	Transfers int
	Purchases int
	Receives  int
}

// Close is a no-op; the store holds no external resources.
func (s *Store) Close() error {
	return nil
}
