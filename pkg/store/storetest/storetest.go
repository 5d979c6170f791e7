// Package storetest holds behavioural tests shared by every ledger.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) ledger.Store

// Run runs the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"Accounts", testAccounts},
		{"ConditionalAdjust", testConditionalAdjust},
		{"ConcurrentAdjustSingleWinner", testConcurrentAdjust},
		{"Credentials", testCredentials},
		{"Transfers", testTransfers},
		{"Purchases", testPurchases},
		{"Cart", testCart},
		{"ReceiveRequests", testReceiveRequests},
		{"Reconciliation", testReconciliation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func mustCreate(t *testing.T, s ledger.Store, id, tag, balance string) {
	t.Helper()
	acc := &ledger.Account{ID: id, Tag: tag, DisplayName: "Account " + id}
	if balance != "" {
		acc.Balance = money.MustParse(balance)
	}
	if err := s.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount(%s) failed: %v", id, err)
	}
}

func testAccounts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "2021-001", "100.00")

	acc, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Tag != "2021-001" || acc.DisplayName != "Account a1" || acc.Version != 0 {
		t.Errorf("unexpected account %+v", acc)
	}
	if !acc.Balance.Equal(money.MustParse("100.00")) {
		t.Errorf("Expected 100.00, got %s", acc.Balance)
	}
	if acc.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	id, err := s.LookupByTag(ctx, "2021-001")
	if err != nil || id != "a1" {
		t.Errorf("LookupByTag: expected a1, got %q (%v)", id, err)
	}

	if _, err := s.LookupByTag(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetBalance(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	err = s.CreateAccount(ctx, &ledger.Account{ID: "a2", Tag: "2021-001"})
	if !errors.Is(err, ledger.ErrTagTaken) {
		t.Errorf("Expected ErrTagTaken, got %v", err)
	}
}

func testConditionalAdjust(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "t1", "100.00")

	tests := []struct {
		name     string
		delta    int64
		expected int64
		wantErr  error
		wantBal  string
	}{
		{"stale expectation", -1000, 9900, ledger.ErrConflict, "100.00"},
		{"overdraw", -10001, 10000, ledger.ErrInsufficientFunds, "100.00"},
		{"debit", -4000, 10000, nil, "60.00"},
		{"credit", 1234, 6000, nil, "72.34"},
		{"drain to zero", -7234, 7234, nil, "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ConditionalAdjust(ctx, "a1", money.FromCents(tt.delta), money.FromCents(tt.expected))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			bal, _ := s.GetBalance(ctx, "a1")
			if bal.String() != tt.wantBal {
				t.Errorf("Expected balance %s, got %s", tt.wantBal, bal)
			}
		})
	}

	acc, _ := s.GetAccount(ctx, "a1")
	if acc.Version != 3 {
		t.Errorf("Expected version 3 after three adjustments, got %d", acc.Version)
	}

	if _, err := s.ConditionalAdjust(ctx, "missing", money.FromCents(1), money.Zero); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testConcurrentAdjust(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "t1", "50.00")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ConditionalAdjust(ctx, "a1", money.MustParse("-50.00"), money.MustParse("50.00"))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrConflict) && !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly one winner, got %d", successes)
	}
	bal, _ := s.GetBalance(ctx, "a1")
	if !bal.IsZero() {
		t.Errorf("Expected 0.00, got %s", bal)
	}
}

func testCredentials(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "t1", "")

	if err := s.SetPasswordHash(ctx, "missing", []byte("h")); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.PasswordHash(ctx, "a1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound before enrolment, got %v", err)
	}

	if err := s.SetPasswordHash(ctx, "a1", []byte("$2a$04$hash")); err != nil {
		t.Fatalf("SetPasswordHash failed: %v", err)
	}
	hash, err := s.PasswordHash(ctx, "a1")
	if err != nil {
		t.Fatalf("PasswordHash failed: %v", err)
	}
	if string(hash) != "$2a$04$hash" {
		t.Errorf("Expected stored hash, got %q", hash)
	}
}

func testTransfers(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "t1", "10.00")
	mustCreate(t, s, "a2", "t2", "10.00")
	mustCreate(t, s, "a3", "t3", "10.00")

	base := time.Now().Add(-time.Hour)
	records := []ledger.TransferRecord{
		{ID: "tr1", SenderID: "a1", RecipientID: "a2", Amount: money.MustParse("1.00"), Status: ledger.TransferPending, CreatedAt: base},
		{ID: "tr2", SenderID: "a2", RecipientID: "a1", Amount: money.MustParse("2.00"), Status: ledger.TransferPending, CreatedAt: base.Add(time.Minute), ScanID: "scan-1"},
		{ID: "tr3", SenderID: "a2", RecipientID: "a3", Amount: money.MustParse("3.00"), Status: ledger.TransferPending, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range records {
		if err := s.CreateTransfer(ctx, &records[i]); err != nil {
			t.Fatalf("CreateTransfer(%s) failed: %v", records[i].ID, err)
		}
	}

	dup := ledger.TransferRecord{ID: "tr4", SenderID: "a3", RecipientID: "a1", Amount: money.MustParse("1.00"), Status: ledger.TransferPending, ScanID: "scan-1", CreatedAt: time.Now()}
	if err := s.CreateTransfer(ctx, &dup); !errors.Is(err, ledger.ErrDuplicateScan) {
		t.Errorf("Expected ErrDuplicateScan, got %v", err)
	}

	byScan, err := s.FindTransferByScan(ctx, "scan-1")
	if err != nil {
		t.Fatalf("FindTransferByScan failed: %v", err)
	}
	if byScan.ID != "tr2" {
		t.Errorf("Expected tr2, got %s", byScan.ID)
	}
	if _, err := s.FindTransferByScan(ctx, "scan-unknown"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	if err := s.UpdateTransferStatus(ctx, "tr1", ledger.TransferFailed, "credit failed"); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}
	got, err := s.GetTransfer(ctx, "tr1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != ledger.TransferFailed || got.FailureReason != "credit failed" {
		t.Errorf("unexpected transfer %+v", got)
	}
	if !got.Amount.Equal(money.MustParse("1.00")) {
		t.Errorf("Expected amount 1.00, got %s", got.Amount)
	}
	if err := s.UpdateTransferStatus(ctx, "missing", ledger.TransferCompleted, ""); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	// Terminal records do not move, in either direction.
	if err := s.UpdateTransferStatus(ctx, "tr1", ledger.TransferCompleted, ""); !errors.Is(err, ledger.ErrRecordFinal) {
		t.Errorf("Expected ErrRecordFinal for failed -> completed, got %v", err)
	}
	if err := s.UpdateTransferStatus(ctx, "tr3", ledger.TransferCompleted, ""); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}
	if err := s.UpdateTransferStatus(ctx, "tr3", ledger.TransferFailed, "late refund"); !errors.Is(err, ledger.ErrRecordFinal) {
		t.Errorf("Expected ErrRecordFinal for completed -> failed, got %v", err)
	}
	for id, want := range map[string]ledger.TransferStatus{"tr1": ledger.TransferFailed, "tr3": ledger.TransferCompleted} {
		rec, err := s.GetTransfer(ctx, id)
		if err != nil {
			t.Fatalf("GetTransfer(%s) failed: %v", id, err)
		}
		if rec.Status != want || (id == "tr3" && rec.FailureReason != "") {
			t.Errorf("Expected %s to stay %s, got %+v", id, want, rec)
		}
	}

	list, err := s.ListTransfers(ctx, "a1", 0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if ids := transferIDs(list); ids != "tr2,tr1" {
		t.Errorf("Expected tr2,tr1 newest first, got %s", ids)
	}

	limited, _ := s.ListTransfers(ctx, "a2", 2)
	if ids := transferIDs(limited); ids != "tr3,tr2" {
		t.Errorf("Expected tr3,tr2, got %s", ids)
	}
}

func transferIDs(list []ledger.TransferRecord) string {
	out := ""
	for i, rec := range list {
		if i > 0 {
			out += ","
		}
		out += rec.ID
	}
	return out
}

func testPurchases(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "t1", "100.00")

	items := []ledger.LineItem{
		{ItemID: "coffee", Name: "Coffee", Quantity: 2, UnitPrice: money.MustParse("3.50")},
		{ItemID: "bagel", Name: "Bagel", Quantity: 1, UnitPrice: money.MustParse("2.25")},
	}
	total, err := ledger.Total(items)
	if err != nil {
		t.Fatalf("Total failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec := &ledger.PurchaseRecord{
			ID:          fmt.Sprintf("p%d", i),
			AccountID:   "a1",
			LineItems:   items,
			Total:       total,
			PurchasedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreatePurchase(ctx, rec); err != nil {
			t.Fatalf("CreatePurchase failed: %v", err)
		}
	}

	got, err := s.GetPurchase(ctx, "p0")
	if err != nil {
		t.Fatalf("GetPurchase failed: %v", err)
	}
	if !got.Total.Equal(money.MustParse("9.25")) {
		t.Errorf("Expected total 9.25, got %s", got.Total)
	}
	if len(got.LineItems) != 2 || got.LineItems[0].ItemID != "coffee" || got.LineItems[1].Quantity != 1 {
		t.Errorf("unexpected line items %+v", got.LineItems)
	}
	if sum, err := ledger.Total(got.LineItems); err != nil || !sum.Equal(got.Total) {
		t.Error("Line items no longer reproduce the total")
	}

	if _, err := s.GetPurchase(ctx, "missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	list, err := s.ListPurchases(ctx, "a1", 2)
	if err != nil {
		t.Fatalf("ListPurchases failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p2" || list[1].ID != "p1" {
		t.Errorf("Expected p2,p1, got %+v", list)
	}
	if len(list[0].LineItems) != 2 {
		t.Errorf("Expected line items on listed purchases, got %d", len(list[0].LineItems))
	}
}

func testCart(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a1", "t1", "")
	mustCreate(t, s, "a2", "t2", "")

	base := time.Now()
	for i, name := range []string{"tea", "cake", "soup"} {
		entry := &ledger.CartEntry{
			ID:        "e-" + name,
			AccountID: "a1",
			Item:      ledger.LineItem{ItemID: name, Name: name, Quantity: i + 1, UnitPrice: money.MustParse("1.50")},
			AddedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddCartEntry(ctx, entry); err != nil {
			t.Fatalf("AddCartEntry failed: %v", err)
		}
	}
	other := &ledger.CartEntry{ID: "e-other", AccountID: "a2", Item: ledger.LineItem{ItemID: "x", Quantity: 1, UnitPrice: money.MustParse("1.00")}, AddedAt: base}
	if err := s.AddCartEntry(ctx, other); err != nil {
		t.Fatalf("AddCartEntry failed: %v", err)
	}

	if err := s.AddCartEntry(ctx, &ledger.CartEntry{ID: "e-ghost", AccountID: "ghost", Item: ledger.LineItem{ItemID: "x", Quantity: 1}}); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown account, got %v", err)
	}

	cart, err := s.ListCart(ctx, "a1")
	if err != nil {
		t.Fatalf("ListCart failed: %v", err)
	}
	if len(cart) != 3 || cart[0].ID != "e-tea" || cart[2].ID != "e-soup" {
		t.Fatalf("unexpected cart %+v", cart)
	}
	if cart[1].Item.Quantity != 2 || !cart[1].Item.UnitPrice.Equal(money.MustParse("1.50")) {
		t.Errorf("unexpected entry %+v", cart[1])
	}

	// Entries of another account are never removed.
	if err := s.RemoveCartEntries(ctx, "a1", "e-tea", "e-other", "e-unknown"); err != nil {
		t.Fatalf("RemoveCartEntries failed: %v", err)
	}
	cart, _ = s.ListCart(ctx, "a1")
	if len(cart) != 2 || cart[0].ID != "e-cake" {
		t.Errorf("Expected cake and soup, got %+v", cart)
	}
	if others, _ := s.ListCart(ctx, "a2"); len(others) != 1 {
		t.Errorf("Expected a2 cart untouched, got %d entries", len(others))
	}

	if err := s.ClearCart(ctx, "a1"); err != nil {
		t.Fatalf("ClearCart failed: %v", err)
	}
	if cart, _ := s.ListCart(ctx, "a1"); len(cart) != 0 {
		t.Errorf("Expected empty cart, got %d entries", len(cart))
	}
}

func testReceiveRequests(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	req := &ledger.ReceiveRequest{
		ID:               "r1",
		ReceiverID:       "a1",
		ClaimedSenderTag: "t2",
		Amount:           money.MustParse("5.00"),
		Status:           ledger.ReceiveAwaitingScan,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.SaveReceiveRequest(ctx, req); err != nil {
		t.Fatalf("SaveReceiveRequest failed: %v", err)
	}

	req.Status = ledger.ReceiveSettled
	req.SenderID = "a2"
	req.ScanID = "scan-9"
	req.CardUID = "04A2B91C"
	req.TransferID = "tr9"
	req.UpdatedAt = time.Now()
	if err := s.SaveReceiveRequest(ctx, req); err != nil {
		t.Fatalf("SaveReceiveRequest update failed: %v", err)
	}

	got, err := s.GetReceiveRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReceiveRequest failed: %v", err)
	}
	if got.Status != ledger.ReceiveSettled || got.SenderID != "a2" || got.ScanID != "scan-9" ||
		got.CardUID != "04A2B91C" || got.TransferID != "tr9" || got.ClaimedSenderTag != "t2" {
		t.Errorf("unexpected request %+v", got)
	}
	if !got.Amount.Equal(money.MustParse("5.00")) {
		t.Errorf("Expected 5.00, got %s", got.Amount)
	}

	if _, err := s.GetReceiveRequest(ctx, "missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func testReconciliation(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	base := time.Now()
	for i, ref := range []string{"tr1", "p1"} {
		kind := ledger.ReconcileTransferRefund
		if ref == "p1" {
			kind = ledger.ReconcilePurchaseRefund
		}
		item := &ledger.Reconciliation{
			ID:        fmt.Sprintf("rc%d", i),
			Kind:      kind,
			AccountID: "a1",
			Amount:    money.MustParse("4.00"),
			Reference: ref,
			Reason:    "refund failed",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.EnqueueReconciliation(ctx, item); err != nil {
			t.Fatalf("EnqueueReconciliation failed: %v", err)
		}
	}

	pending, err := s.ListPendingReconciliations(ctx)
	if err != nil {
		t.Fatalf("ListPendingReconciliations failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "rc0" || pending[1].Kind != ledger.ReconcilePurchaseRefund {
		t.Fatalf("unexpected queue %+v", pending)
	}

	if err := s.ResolveReconciliation(ctx, "rc0"); err != nil {
		t.Fatalf("ResolveReconciliation failed: %v", err)
	}
	pending, _ = s.ListPendingReconciliations(ctx)
	if len(pending) != 1 || pending[0].ID != "rc1" {
		t.Errorf("Expected only rc1 pending, got %+v", pending)
	}

	if err := s.ResolveReconciliation(ctx, "missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}
