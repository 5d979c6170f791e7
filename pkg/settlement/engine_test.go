package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tap-ledger/pkg/ledger"
	metricsmem "tap-ledger/pkg/metrics/memory"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/notify"
	"tap-ledger/pkg/store/mock"
)

type fixture struct {
	store   *mock.Store
	engine  *Engine
	metrics *metricsmem.MemoryCollector

	mu         sync.Mutex
	cartEvents int
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	store := mock.New()
	acc := &ledger.Account{ID: "a1", Tag: "t1"}
	if balance != "" {
		acc.Balance = money.MustParse(balance)
	}
	if err := store.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	f := &fixture{store: store, metrics: metricsmem.NewMemoryCollector()}

	broker := notify.NewBroker()
	t.Cleanup(func() { broker.Close() })
	broker.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.CartChanged {
			f.mu.Lock()
			f.cartEvents++
			f.mu.Unlock()
		}
	})

	engine, err := NewEngineWithMetrics(Dependencies{
		Accounts:  store,
		Purchases: store,
		Carts:     store,
		Reconcile: store,
		Events:    broker,
	}, DefaultConfig(), f.metrics)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) events() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cartEvents
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	bal, err := f.store.GetBalance(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return bal.String()
}

func item(id string, qty int, price string) ledger.LineItem {
	return ledger.LineItem{ItemID: id, Name: id, Quantity: qty, UnitPrice: money.MustParse(price)}
}

func TestSettle_RecordsPurchaseAndClearsCart(t *testing.T) {
	f := newFixture(t, "50.00")
	ctx := context.Background()

	if _, err := f.engine.AddToCart(ctx, "a1", item("coffee", 2, "3.50")); err != nil {
		t.Fatalf("AddToCart failed: %v", err)
	}

	items := []ledger.LineItem{item("coffee", 2, "3.50"), item("muffin", 3, "2.25")}
	rec, err := f.engine.Settle(ctx, "a1", items)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	if rec.Total.String() != "13.75" {
		t.Errorf("Expected total 13.75, got %s", rec.Total)
	}
	if got := f.balance(t); got != "36.25" {
		t.Errorf("Expected 36.25, got %s", got)
	}

	stored, err := f.engine.Purchase(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if sum, err := ledger.Total(stored.LineItems); err != nil || !sum.Equal(stored.Total) || !stored.Total.Equal(rec.Total) {
		t.Errorf("Stored purchase does not reproduce total: %+v", stored)
	}

	cart, total, err := f.engine.Cart(ctx, "a1")
	if err != nil {
		t.Fatalf("Cart failed: %v", err)
	}
	if len(cart) != 0 || !total.IsZero() {
		t.Errorf("Expected empty cart, got %d entries totalling %s", len(cart), total)
	}

	// One for the add, one for the clear.
	if n := f.events(); n != 2 {
		t.Errorf("Expected 2 cart events, got %d", n)
	}
	if n := f.metrics.Snapshot().Settlements["none"]; n != 1 {
		t.Errorf("Expected 1 successful settlement metric, got %d", n)
	}
}

func TestSettle_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		items   []ledger.LineItem
		wantErr error
	}{
		{"empty", nil, ledger.ErrEmptyCart},
		{"zero quantity", []ledger.LineItem{item("x", 0, "1.00")}, ledger.ErrInvalidLineItem},
		{"negative price", []ledger.LineItem{{ItemID: "x", Quantity: 1, UnitPrice: money.FromCents(-1)}}, ledger.ErrInvalidLineItem},
		{"missing item id", []ledger.LineItem{item("", 1, "1.00")}, ledger.ErrInvalidLineItem},
		{"free", []ledger.LineItem{{ItemID: "x", Quantity: 1}}, ledger.ErrInvalidAmount},
		{"over balance", []ledger.LineItem{item("x", 3, "7.00")}, ledger.ErrInsufficientFunds},
		{"quantity above limit", []ledger.LineItem{item("x", MaxQuantity+1, "0.01")}, ledger.ErrInvalidLineItem},
		{"quantity wrapping the total", []ledger.LineItem{item("yacht", 1<<32, "42949672.96"), item("gum", 1, "1.00")}, ledger.ErrInvalidLineItem},
		{"subtotal out of range", []ledger.LineItem{item("x", 2, "90071992547409.92")}, ledger.ErrInvalidLineItem},
		{"total out of range", []ledger.LineItem{item("x", 1, "90071992547409.92"), item("y", 1, "90071992547409.92")}, ledger.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "20.00")

			_, err := f.engine.Settle(context.Background(), "a1", tt.items)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if got := f.balance(t); got != "20.00" {
				t.Errorf("Expected balance unchanged, got %s", got)
			}
			if f.store.AdjustCalls() != 0 || f.store.PurchaseCalls() != 0 {
				t.Errorf("Expected no writes, got %d adjusts and %d purchases", f.store.AdjustCalls(), f.store.PurchaseCalls())
			}
		})
	}
}

func TestSettle_UnknownAccount(t *testing.T) {
	f := newFixture(t, "20.00")
	_, err := f.engine.Settle(context.Background(), "ghost", []ledger.LineItem{item("x", 1, "1.00")})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSettle_PurchaseFailureRefunds(t *testing.T) {
	f := newFixture(t, "20.00")
	boom := errors.New("purchase table unavailable")
	f.store.CreatePurchaseFunc = func(context.Context, *ledger.PurchaseRecord) error { return boom }

	ctx := context.Background()
	f.engine.AddToCart(ctx, "a1", item("tea", 1, "4.00"))

	_, err := f.engine.Checkout(ctx, "a1")
	if !errors.Is(err, ledger.ErrPurchaseNotRecorded) {
		t.Fatalf("Expected ErrPurchaseNotRecorded, got %v", err)
	}
	if got := f.balance(t); got != "20.00" {
		t.Errorf("Expected refund to 20.00, got %s", got)
	}
	if cart, _, _ := f.engine.Cart(ctx, "a1"); len(cart) != 1 {
		t.Errorf("Expected cart kept after failed settlement, got %d entries", len(cart))
	}
	if c := f.metrics.Snapshot().Compensations["settlement"]; c.Refunded != 1 {
		t.Errorf("Expected one refund, got %+v", c)
	}
}

func TestSettle_RefundFailureIsEscalated(t *testing.T) {
	f := newFixture(t, "20.00")
	f.store.CreatePurchaseFunc = func(context.Context, *ledger.PurchaseRecord) error { return errors.New("write failed") }
	f.store.AdjustFunc = mock.FailCredit("a1", errors.New("store unavailable"))

	_, err := f.engine.Settle(context.Background(), "a1", []ledger.LineItem{item("tea", 2, "4.00")})
	if !errors.Is(err, ledger.ErrCompensationFailed) {
		t.Fatalf("Expected ErrCompensationFailed, got %v", err)
	}

	pending, _ := f.store.ListPendingReconciliations(context.Background())
	if len(pending) != 1 {
		t.Fatalf("Expected 1 reconciliation item, got %d", len(pending))
	}
	if pending[0].Kind != ledger.ReconcilePurchaseRefund || pending[0].Amount.String() != "8.00" {
		t.Errorf("unexpected reconciliation item %+v", pending[0])
	}
}

func TestSettle_CartClearFailureKeepsPurchase(t *testing.T) {
	f := newFixture(t, "20.00")
	f.store.ClearCartFunc = func(context.Context, string) error { return errors.New("cart unavailable") }

	rec, err := f.engine.Settle(context.Background(), "a1", []ledger.LineItem{item("tea", 1, "4.00")})
	if err != nil {
		t.Fatalf("Expected settlement to succeed, got %v", err)
	}
	if _, err := f.engine.Purchase(context.Background(), rec.ID); err != nil {
		t.Errorf("Expected purchase recorded, got %v", err)
	}
}

func TestCheckout_RemovesOnlySettledEntries(t *testing.T) {
	f := newFixture(t, "30.00")
	ctx := context.Background()

	f.engine.AddToCart(ctx, "a1", item("tea", 1, "4.00"))
	f.engine.AddToCart(ctx, "a1", item("cake", 2, "5.00"))

	// An item added while the purchase is being written stays in the cart.
	f.store.CreatePurchaseFunc = func(ctx context.Context, _ *ledger.PurchaseRecord) error {
		f.store.CreatePurchaseFunc = nil
		_, err := f.engine.AddToCart(ctx, "a1", item("soup", 1, "6.00"))
		return err
	}

	rec, err := f.engine.Checkout(ctx, "a1")
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if rec.Total.String() != "14.00" {
		t.Errorf("Expected 14.00, got %s", rec.Total)
	}
	if got := f.balance(t); got != "16.00" {
		t.Errorf("Expected 16.00, got %s", got)
	}

	cart, total, _ := f.engine.Cart(ctx, "a1")
	if len(cart) != 1 || cart[0].Item.ItemID != "soup" || total.String() != "6.00" {
		t.Errorf("Expected only soup left, got %+v", cart)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := newFixture(t, "30.00")
	if _, err := f.engine.Checkout(context.Background(), "a1"); !errors.Is(err, ledger.ErrEmptyCart) {
		t.Errorf("Expected ErrEmptyCart, got %v", err)
	}
}

func TestCart_AddAndRemove(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	entry, err := f.engine.AddToCart(ctx, "a1", item("tea", 2, "1.25"))
	if err != nil {
		t.Fatalf("AddToCart failed: %v", err)
	}
	if _, err := f.engine.AddToCart(ctx, "a1", item("tea", -1, "1.25")); !errors.Is(err, ledger.ErrInvalidLineItem) {
		t.Errorf("Expected ErrInvalidLineItem, got %v", err)
	}
	if _, err := f.engine.AddToCart(ctx, "ghost", item("tea", 1, "1.25")); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, total, _ := f.engine.Cart(ctx, "a1")
	if total.String() != "2.50" {
		t.Errorf("Expected 2.50, got %s", total)
	}

	if err := f.engine.RemoveFromCart(ctx, "a1", entry.ID); err != nil {
		t.Fatalf("RemoveFromCart failed: %v", err)
	}
	if cart, _, _ := f.engine.Cart(ctx, "a1"); len(cart) != 0 {
		t.Errorf("Expected empty cart, got %d entries", len(cart))
	}
	if n := f.events(); n != 2 {
		t.Errorf("Expected 2 cart events, got %d", n)
	}
}

func TestCheckout_CartTotalOutOfRange(t *testing.T) {
	f := newFixture(t, "20.00")
	ctx := context.Background()

	for _, id := range []string{"x", "y"} {
		if _, err := f.engine.AddToCart(ctx, "a1", item(id, 1, "90071992547409.92")); err != nil {
			t.Fatalf("AddToCart failed: %v", err)
		}
	}
	if _, err := f.engine.AddToCart(ctx, "a1", item("z", MaxQuantity+1, "1.00")); !errors.Is(err, ledger.ErrInvalidLineItem) {
		t.Errorf("Expected ErrInvalidLineItem, got %v", err)
	}

	if _, _, err := f.engine.Cart(ctx, "a1"); !errors.Is(err, money.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange from Cart, got %v", err)
	}

	_, err := f.engine.Checkout(ctx, "a1")
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("Expected ErrInvalidAmount, got %v", err)
	}
	if got := f.balance(t); got != "20.00" {
		t.Errorf("Expected balance unchanged, got %s", got)
	}
	if f.store.AdjustCalls() != 0 {
		t.Errorf("Expected no adjusts, got %d", f.store.AdjustCalls())
	}
}
