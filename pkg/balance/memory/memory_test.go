package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tap-ledger/pkg/balance"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

func snap(id, amount string, version int64) ledger.Snapshot {
	return ledger.Snapshot{AccountID: id, Balance: money.MustParse(amount), Version: version}
}

func TestLayer_GetSet(t *testing.T) {
	l := New(Config{Name: "test", TTL: time.Hour})
	defer l.Close()

	ctx := context.Background()

	if _, err := l.Get(ctx, "acc-1"); !balance.IsMiss(err) {
		t.Errorf("Expected miss, got %v", err)
	}

	want := snap("acc-1", "10.00", 1)
	if err := l.Set(ctx, want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := l.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestLayer_SetNeverRegresses(t *testing.T) {
	l := New(Config{TTL: time.Hour})
	defer l.Close()

	ctx := context.Background()

	_ = l.Set(ctx, snap("acc-1", "60.00", 5))
	_ = l.Set(ctx, snap("acc-1", "100.00", 4))
	_ = l.Set(ctx, snap("acc-1", "99.00", 5))

	got, _ := l.Get(ctx, "acc-1")
	if got.Version != 5 || !got.Balance.Equal(money.MustParse("60.00")) {
		t.Errorf("stale snapshot overwrote newer one: %+v", got)
	}

	_ = l.Set(ctx, snap("acc-1", "55.00", 6))
	got, _ = l.Get(ctx, "acc-1")
	if got.Version != 6 {
		t.Errorf("Expected version 6, got %d", got.Version)
	}
}

func TestLayer_TTLExpiration(t *testing.T) {
	l := New(Config{TTL: 20 * time.Millisecond, CleanupInterval: time.Hour})
	defer l.Close()

	ctx := context.Background()
	_ = l.Set(ctx, snap("acc-1", "1.00", 3))

	time.Sleep(40 * time.Millisecond)

	if _, err := l.Get(ctx, "acc-1"); !balance.IsMiss(err) {
		t.Errorf("Expected miss after TTL, got %v", err)
	}

	// An expired entry does not block an older version.
	if err := l.Set(ctx, snap("acc-1", "2.00", 1)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := l.Get(ctx, "acc-1"); got.Version != 1 {
		t.Errorf("Expected version 1, got %d", got.Version)
	}
}

func TestLayer_LRUEviction(t *testing.T) {
	l := New(Config{MaxSize: 2, TTL: time.Hour})
	defer l.Close()

	ctx := context.Background()

	_ = l.Set(ctx, snap("acc-1", "1.00", 1))
	time.Sleep(time.Millisecond)
	_ = l.Set(ctx, snap("acc-2", "2.00", 1))
	time.Sleep(time.Millisecond)

	// Touch acc-1 so acc-2 becomes least recently used.
	_, _ = l.Get(ctx, "acc-1")
	time.Sleep(time.Millisecond)

	_ = l.Set(ctx, snap("acc-3", "3.00", 1))

	if _, err := l.Get(ctx, "acc-2"); !balance.IsMiss(err) {
		t.Errorf("Expected acc-2 to be evicted, got %v", err)
	}
	if _, err := l.Get(ctx, "acc-1"); err != nil {
		t.Errorf("Expected acc-1 to survive eviction: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", l.Len())
	}
}

func TestLayer_Delete(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	ctx := context.Background()
	_ = l.Set(ctx, snap("acc-1", "1.00", 1))

	if err := l.Delete(ctx, "acc-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := l.Delete(ctx, "acc-1"); err != nil {
		t.Errorf("Deleting an absent account should succeed: %v", err)
	}
	if _, err := l.Get(ctx, "acc-1"); !balance.IsMiss(err) {
		t.Errorf("Expected miss, got %v", err)
	}
}

func TestLayer_InvalidKey(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	ctx := context.Background()
	for _, key := range []string{"", "has space", "tab\tkey"} {
		if _, err := l.Get(ctx, key); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}
}

func TestLayer_Concurrent(t *testing.T) {
	l := New(Config{TTL: time.Hour})
	defer l.Close()

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_ = l.Set(ctx, ledger.Snapshot{AccountID: "acc-1", Balance: money.FromCents(v), Version: v})
			_, _ = l.Get(ctx, fmt.Sprintf("acc-%d", v%3))
		}(int64(i))
	}
	wg.Wait()

	got, err := l.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 100 {
		t.Errorf("Expected highest version 100 to win, got %d", got.Version)
	}
}
