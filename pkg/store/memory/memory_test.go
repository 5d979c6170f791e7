package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return New() })
}

func newAccount(t *testing.T, s *Store, id, tag, balance string) {
	t.Helper()
	acc := &ledger.Account{ID: id, Tag: tag}
	if balance != "" {
		acc.Balance = money.MustParse(balance)
	}
	if err := s.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount(%s) failed: %v", id, err)
	}
}

func TestStore_CreateAndLookup(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	newAccount(t, s, "a1", "2021-001", "100")

	id, err := s.LookupByTag(ctx, "2021-001")
	if err != nil {
		t.Fatalf("LookupByTag failed: %v", err)
	}
	if id != "a1" {
		t.Errorf("Expected a1, got %s", id)
	}

	if _, err := s.LookupByTag(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetBalance(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	err = s.CreateAccount(ctx, &ledger.Account{ID: "a2", Tag: "2021-001"})
	if !errors.Is(err, ledger.ErrTagTaken) {
		t.Errorf("Expected ErrTagTaken, got %v", err)
	}
}

func TestStore_ConditionalAdjust(t *testing.T) {
	s := New()
	ctx := context.Background()
	newAccount(t, s, "a1", "t1", "100")

	tests := []struct {
		name     string
		delta    string
		negative bool
		expected string
		wantErr  error
		balance  string
	}{
		{"matching expected", "40", true, "100", nil, "60.00"},
		{"stale expected", "10", true, "100", ledger.ErrConflict, "60.00"},
		{"would go negative", "70", true, "60", ledger.ErrInsufficientFunds, "60.00"},
		{"credit", "15.50", false, "60", nil, "75.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := money.MustParse(tt.delta)
			if tt.negative {
				delta = delta.Neg()
			}
			_, err := s.ConditionalAdjust(ctx, "a1", delta, money.MustParse(tt.expected))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			bal, _ := s.GetBalance(ctx, "a1")
			if bal.String() != tt.balance {
				t.Errorf("Expected balance %s, got %s", tt.balance, bal)
			}
		})
	}

	acc, _ := s.GetAccount(ctx, "a1")
	if acc.Version != 2 {
		t.Errorf("Expected version 2 after two successful adjustments, got %d", acc.Version)
	}
}

func TestStore_ConditionalAdjust_ConcurrentSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	newAccount(t, s, "a1", "t1", "50")

	expected := money.MustParse("50")
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConditionalAdjust(ctx, "a1", money.MustParse("50").Neg(), expected); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly 1 successful adjustment, got %d", successes)
	}
}

func TestStore_ScanClaim(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &ledger.TransferRecord{ID: "t1", ScanID: "scan-1", Status: ledger.TransferPending}
	if err := s.CreateTransfer(ctx, first); err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}
	second := &ledger.TransferRecord{ID: "t2", ScanID: "scan-1", Status: ledger.TransferPending}
	if err := s.CreateTransfer(ctx, second); !errors.Is(err, ledger.ErrDuplicateScan) {
		t.Errorf("Expected ErrDuplicateScan, got %v", err)
	}

	rec, err := s.FindTransferByScan(ctx, "scan-1")
	if err != nil {
		t.Fatalf("FindTransferByScan failed: %v", err)
	}
	if rec.ID != "t1" {
		t.Errorf("Expected t1, got %s", rec.ID)
	}
}

func TestStore_Cart(t *testing.T) {
	s := New()
	ctx := context.Background()
	newAccount(t, s, "a1", "t1", "")

	for _, id := range []string{"e1", "e2", "e3"} {
		entry := &ledger.CartEntry{ID: id, AccountID: "a1", Item: ledger.LineItem{ItemID: "i-" + id, Quantity: 1, UnitPrice: money.MustParse("2")}}
		if err := s.AddCartEntry(ctx, entry); err != nil {
			t.Fatalf("AddCartEntry failed: %v", err)
		}
	}

	if err := s.RemoveCartEntries(ctx, "a1", "e2"); err != nil {
		t.Fatalf("RemoveCartEntries failed: %v", err)
	}
	cart, _ := s.ListCart(ctx, "a1")
	if len(cart) != 2 || cart[0].ID != "e1" || cart[1].ID != "e3" {
		t.Errorf("Expected [e1 e3], got %+v", cart)
	}

	if err := s.ClearCart(ctx, "a1"); err != nil {
		t.Fatalf("ClearCart failed: %v", err)
	}
	cart, _ = s.ListCart(ctx, "a1")
	if len(cart) != 0 {
		t.Errorf("Expected empty cart, got %d entries", len(cart))
	}

	err := s.AddCartEntry(ctx, &ledger.CartEntry{ID: "x", AccountID: "nobody"})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_Reconciliation(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"r1", "r2"} {
		item := &ledger.Reconciliation{ID: id, Kind: ledger.ReconcileTransferRefund, AccountID: "a1", Amount: money.MustParse("5")}
		if err := s.EnqueueReconciliation(ctx, item); err != nil {
			t.Fatalf("EnqueueReconciliation failed: %v", err)
		}
	}
	if err := s.ResolveReconciliation(ctx, "r1"); err != nil {
		t.Fatalf("ResolveReconciliation failed: %v", err)
	}

	pending, _ := s.ListPendingReconciliations(ctx)
	if len(pending) != 1 || pending[0].ID != "r2" {
		t.Errorf("Expected only r2 pending, got %+v", pending)
	}
	if err := s.ResolveReconciliation(ctx, "missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}
