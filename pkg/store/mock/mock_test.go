package mock

import (
	"context"
	"errors"
	"testing"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

func TestStore_Delegates(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.CreateAccount(ctx, &ledger.Account{ID: "a1", Tag: "t1", Balance: money.MustParse("10.00")}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := m.ConditionalAdjust(ctx, "a1", money.MustParse("5.00"), money.MustParse("10.00")); err != nil {
		t.Fatalf("ConditionalAdjust failed: %v", err)
	}

	bal, _ := m.GetBalance(ctx, "a1")
	if !bal.Equal(money.MustParse("15.00")) {
		t.Errorf("Expected 15.00, got %s", bal)
	}
	if m.AdjustCalls() != 1 {
		t.Errorf("Expected 1 adjust call, got %d", m.AdjustCalls())
	}
}

func TestStore_FailCredit(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.CreateAccount(ctx, &ledger.Account{ID: "a1", Tag: "t1", Balance: money.MustParse("10.00")})

	boom := errors.New("boom")
	m.AdjustFunc = FailCredit("a1", boom)

	if _, err := m.ConditionalAdjust(ctx, "a1", money.MustParse("1.00"), money.MustParse("10.00")); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
	if _, err := m.ConditionalAdjust(ctx, "a1", money.MustParse("1.00").Neg(), money.MustParse("10.00")); err != nil {
		t.Errorf("Expected debit to pass, got %v", err)
	}
	if m.AdjustCalls() != 2 {
		t.Errorf("Expected 2 adjust calls, got %d", m.AdjustCalls())
	}
}
