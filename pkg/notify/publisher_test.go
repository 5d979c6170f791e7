package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/metrics/memory"
	"tap-ledger/pkg/money"
)

// feedFunc adapts a function to the Feed interface.
type feedFunc func(ctx context.Context, event Event) error

func (f feedFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }
func (f feedFunc) Subscribe(Handler) (Subscription, error)        { return nil, errors.New("not supported") }
func (f feedFunc) Close() error                                   { return nil }

func TestPublisher_Basic(t *testing.T) {
	var mu sync.Mutex
	var delivered []Event

	feed := feedFunc(func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, event)
		return nil
	})

	p := NewPublisher(feed, DefaultPublisherConfig())
	defer p.Close()

	snap := ledger.Snapshot{AccountID: "acc-1", Balance: money.MustParse("5.00"), Version: 2}
	p.BalanceChanged(context.Background(), snap)

	if err := p.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(delivered) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(delivered))
	}
	if delivered[0].Snapshot() != snap {
		t.Errorf("Expected %+v, got %+v", snap, delivered[0].Snapshot())
	}

	stats := p.Stats()
	if stats.Total != 1 {
		t.Errorf("Expected 1 total event, got %d", stats.Total)
	}
}

func TestPublisher_ConcurrentPublish(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	feed := feedFunc(func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[event.AccountID] = true
		return nil
	})

	p := NewPublisher(feed, PublisherConfig{QueueSize: 100, Workers: 4, MaxWaitTime: 50 * time.Millisecond})
	defer p.Close()

	var wg sync.WaitGroup
	numEvents := 50

	for i := 0; i < numEvents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := p.Publish(context.Background(), CartEvent(fmt.Sprintf("acc-%d", i))); err != nil {
				t.Errorf("Publish %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if err := p.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(seen) != numEvents {
		t.Errorf("Expected %d events, got %d", numEvents, len(seen))
	}
}

func TestPublisher_Backpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	feed := feedFunc(func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	collector := memory.NewMemoryCollector()
	p := NewPublisherWithMetrics(feed, PublisherConfig{
		Name:        "test",
		QueueSize:   2,
		Workers:     1,
		MaxWaitTime: 5 * time.Millisecond,
	}, collector)
	defer func() {
		close(release)
		p.Close()
	}()

	// First event occupies the single worker.
	if err := p.Publish(context.Background(), CartEvent("acc-0")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-started

	for i := 1; i <= 2; i++ {
		if err := p.Publish(context.Background(), CartEvent(fmt.Sprintf("acc-%d", i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	err := p.Publish(context.Background(), CartEvent("acc-extra"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	if got := p.Stats().Dropped; got != 1 {
		t.Errorf("Expected 1 dropped event, got %d", got)
	}
	if got := collector.Snapshot().Queues["test"].Dropped; got != 1 {
		t.Errorf("Expected dropped metric 1, got %d", got)
	}
}

func TestPublisher_FeedFailure(t *testing.T) {
	feed := feedFunc(func(ctx context.Context, event Event) error {
		return errors.New("broker down")
	})

	collector := memory.NewMemoryCollector()
	p := NewPublisherWithMetrics(feed, PublisherConfig{Name: "test"}, collector)
	defer p.Close()

	if err := p.Publish(context.Background(), CartEvent("acc-1")); err != nil {
		t.Fatalf("Publish should queue even if the feed fails later: %v", err)
	}
	if err := p.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := p.Stats().Failed; got != 1 {
		t.Errorf("Expected 1 failed event, got %d", got)
	}
	if got := collector.Snapshot().Queues["test"].Errors; got != 1 {
		t.Errorf("Expected 1 publish error metric, got %d", got)
	}
}

func TestPublisher_CloseDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	count := 0

	feed := feedFunc(func(ctx context.Context, event Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	p := NewPublisher(feed, PublisherConfig{QueueSize: 20, Workers: 1, MaxWaitTime: time.Second})
	for i := 0; i < 10; i++ {
		if err := p.Publish(context.Background(), CartEvent("acc-1")); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	_ = p.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("Expected 10 delivered events after Close, got %d", count)
	}

	if err := p.Publish(context.Background(), CartEvent("acc-1")); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Expected ErrPublisherClosed, got %v", err)
	}
}

func TestPublisher_FeedsBroker(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	got := make(chan Event, 1)
	if _, err := b.Subscribe(func(e Event) { got <- e }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	p := NewPublisher(b, DefaultPublisherConfig())
	defer p.Close()

	p.BalanceChanged(context.Background(), ledger.Snapshot{AccountID: "acc-9", Balance: money.MustParse("1.00"), Version: 1})

	select {
	case e := <-got:
		if e.AccountID != "acc-9" || e.Type != BalanceChanged {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
