package ledger_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/store/memory"
)

// racingStore makes the first n conditional writes lose to a concurrent writer.
type racingStore struct {
	*memory.Store
	losses int32
}

func (r *racingStore) ConditionalAdjust(ctx context.Context, id string, delta, expected money.Amount) (ledger.Snapshot, error) {
	if atomic.AddInt32(&r.losses, -1) >= 0 {
		// Someone else deposits a cent first.
		if _, err := r.Store.ConditionalAdjust(ctx, id, money.FromCents(1), expected); err != nil {
			return ledger.Snapshot{}, err
		}
		return ledger.Snapshot{}, ledger.ErrConflict
	}
	return r.Store.ConditionalAdjust(ctx, id, delta, expected)
}

func seeded(t *testing.T, balance string) *memory.Store {
	t.Helper()
	s := memory.New()
	err := s.CreateAccount(context.Background(), &ledger.Account{ID: "a1", Tag: "t1", Balance: money.MustParse(balance)})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return s
}

func TestAdjustWithRetry_Success(t *testing.T) {
	s := seeded(t, "100")

	res, err := ledger.AdjustWithRetry(context.Background(), s, "a1", money.MustParse("40").Neg(), ledger.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("AdjustWithRetry failed: %v", err)
	}
	if res.Snapshot.Balance.String() != "60.00" {
		t.Errorf("Expected 60.00, got %s", res.Snapshot.Balance)
	}
	if res.Attempts != 1 || res.Conflicts != 0 {
		t.Errorf("Expected 1 attempt and 0 conflicts, got %d and %d", res.Attempts, res.Conflicts)
	}
}

func TestAdjustWithRetry_RetriesConflicts(t *testing.T) {
	s := &racingStore{Store: seeded(t, "100"), losses: 2}
	policy := ledger.RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}

	res, err := ledger.AdjustWithRetry(context.Background(), s, "a1", money.MustParse("40").Neg(), policy)
	if err != nil {
		t.Fatalf("AdjustWithRetry failed: %v", err)
	}
	if res.Conflicts != 2 || res.Attempts != 3 {
		t.Errorf("Expected 2 conflicts over 3 attempts, got %d over %d", res.Conflicts, res.Attempts)
	}
	// Two cents were deposited by the competing writer.
	if res.Snapshot.Balance.String() != "60.02" {
		t.Errorf("Expected 60.02, got %s", res.Snapshot.Balance)
	}
}

func TestAdjustWithRetry_Contention(t *testing.T) {
	s := &racingStore{Store: seeded(t, "100"), losses: 100}
	policy := ledger.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	res, err := ledger.AdjustWithRetry(context.Background(), s, "a1", money.MustParse("1").Neg(), policy)
	if !errors.Is(err, ledger.ErrContention) {
		t.Fatalf("Expected ErrContention, got %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}
}

func TestAdjustWithRetry_InsufficientFunds(t *testing.T) {
	s := seeded(t, "20")

	_, err := ledger.AdjustWithRetry(context.Background(), s, "a1", money.MustParse("40").Neg(), ledger.DefaultRetryPolicy())
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := s.GetBalance(context.Background(), "a1")
	if bal.String() != "20.00" {
		t.Errorf("Expected balance unchanged at 20.00, got %s", bal)
	}
}

func TestAdjustWithRetry_NotFound(t *testing.T) {
	s := memory.New()

	_, err := ledger.AdjustWithRetry(context.Background(), s, "ghost", money.MustParse("1"), ledger.DefaultRetryPolicy())
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
