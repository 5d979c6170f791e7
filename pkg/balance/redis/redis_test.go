package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"tap-ledger/pkg/balance"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

func setupTestRedis(t *testing.T) *Layer {
	config := DefaultConfig()
	config.Name = "test-redis"
	config.KeyPrefix = "test:balance:"
	config.DialTimeout = 2 * time.Second
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Addr = addr
	}

	l, err := New(config)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	_ = l.FlushDB(context.Background())
	return l
}

func TestNew_NoAddress(t *testing.T) {
	_, err := New(Config{Name: "empty"})
	if err == nil {
		t.Fatal("Expected error when no address is configured")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Addr != "localhost:6379" {
		t.Errorf("Expected localhost:6379, got %s", config.Addr)
	}
	if config.KeyPrefix != "ledger:balance:" {
		t.Errorf("Expected ledger:balance: prefix, got %s", config.KeyPrefix)
	}
	if config.TTL <= 0 {
		t.Error("Expected a positive TTL")
	}
}

func TestLayer_SetGet(t *testing.T) {
	l := setupTestRedis(t)
	ctx := context.Background()

	want := ledger.Snapshot{AccountID: "acc-1", Balance: money.MustParse("60.00"), Version: 2}
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

func TestLayer_GetMiss(t *testing.T) {
	l := setupTestRedis(t)

	if _, err := l.Get(context.Background(), "missing"); !balance.IsMiss(err) {
		t.Errorf("Expected miss, got %v", err)
	}
}

func TestLayer_SetNeverRegresses(t *testing.T) {
	l := setupTestRedis(t)
	ctx := context.Background()

	_ = l.Set(ctx, ledger.Snapshot{AccountID: "acc-1", Balance: money.MustParse("50.00"), Version: 7})
	_ = l.Set(ctx, ledger.Snapshot{AccountID: "acc-1", Balance: money.MustParse("10.00"), Version: 6})

	got, err := l.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 7 || got.Balance.Cents() != 5000 {
		t.Errorf("stale write applied: %+v", got)
	}
}

func TestLayer_Delete(t *testing.T) {
	l := setupTestRedis(t)
	ctx := context.Background()

	_ = l.Set(ctx, ledger.Snapshot{AccountID: "acc-1", Balance: money.MustParse("1.00"), Version: 1})
	if err := l.Delete(ctx, "acc-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := l.Get(ctx, "acc-1"); !balance.IsMiss(err) {
		t.Errorf("Expected miss after delete, got %v", err)
	}
}
