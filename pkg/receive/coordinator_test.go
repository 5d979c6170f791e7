package receive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/device"
	"tap-ledger/pkg/ledger"
	metricsmem "tap-ledger/pkg/metrics/memory"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/store/memory"
	"tap-ledger/pkg/transfer"
)

// fakeReader returns whatever is sent on results, or ErrNoScan when the
// trigger context ends first.
type fakeReader struct {
	results chan readerResult

	mu       sync.Mutex
	triggers []string
}

type readerResult struct {
	ev  device.ScanEvent
	err error
}

func newFakeReader() *fakeReader {
	return &fakeReader{results: make(chan readerResult, 1)}
}

func (r *fakeReader) Trigger(ctx context.Context, correlationID string) (device.ScanEvent, error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, correlationID)
	r.mu.Unlock()

	select {
	case res := <-r.results:
		return res.ev, res.err
	case <-ctx.Done():
		return device.ScanEvent{}, device.ErrNoScan
	}
}

type fixture struct {
	store   *memory.Store
	coord   *Coordinator
	metrics *metricsmem.MemoryCollector
}

func newFixture(t *testing.T, config Config, reader device.Reader) *fixture {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	for _, acc := range []ledger.Account{
		{ID: "alice", Tag: "2021-001", Balance: money.MustParse("100.00")},
		{ID: "bob", Tag: "2021-002", Balance: money.MustParse("10.00")},
		{ID: "carol", Tag: "2021-003", Balance: money.MustParse("5.00")},
	} {
		acc := acc
		if err := store.CreateAccount(ctx, &acc); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
	}

	engine, err := transfer.NewEngine(transfer.Dependencies{
		Accounts:  store,
		Transfers: store,
		Reconcile: store,
		Verifier: auth.VerifierFunc(func(context.Context, string, string) error {
			return ledger.ErrUnauthorized
		}),
	}, transfer.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	mc := metricsmem.NewMemoryCollector()
	coord, err := NewCoordinatorWithMetrics(Dependencies{
		Accounts:  store,
		Requests:  store,
		Transfers: store,
		Engine:    engine,
		Reader:    reader,
	}, config, mc)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	return &fixture{store: store, coord: coord, metrics: mc}
}

func (f *fixture) balance(t *testing.T, id string) string {
	t.Helper()
	bal, err := f.store.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBalance(%s) failed: %v", id, err)
	}
	return bal.String()
}

func TestCoordinator_ScanSettles(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	req, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("25.00"))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if req.Status != ledger.ReceiveAwaitingScan || req.SenderID != "alice" {
		t.Errorf("unexpected request %+v", req)
	}

	got, err := f.coord.HandleScan(ctx, Scan{RequestID: req.ID, ScanID: "scan-1", CardUID: "04A2B91C"})
	if err != nil {
		t.Fatalf("HandleScan failed: %v", err)
	}
	if got.Status != ledger.ReceiveSettled || got.TransferID == "" || got.CardUID != "04A2B91C" {
		t.Errorf("unexpected request %+v", got)
	}

	if b := f.balance(t, "alice"); b != "75.00" {
		t.Errorf("Expected alice 75.00, got %s", b)
	}
	if b := f.balance(t, "bob"); b != "35.00" {
		t.Errorf("Expected bob 35.00, got %s", b)
	}

	rec, err := f.store.FindTransferByScan(ctx, "scan-1")
	if err != nil {
		t.Fatalf("FindTransferByScan failed: %v", err)
	}
	if rec.ID != got.TransferID || rec.Status != ledger.TransferCompleted {
		t.Errorf("unexpected transfer %+v", rec)
	}

	final, err := f.coord.Await(ctx, req.ID)
	if err != nil || final.Status != ledger.ReceiveSettled {
		t.Errorf("Await: expected settled, got %+v (%v)", final, err)
	}

	stored, _ := f.store.GetReceiveRequest(ctx, req.ID)
	if stored.Status != ledger.ReceiveSettled || stored.ScanID != "scan-1" {
		t.Errorf("Expected persisted settled request, got %+v", stored)
	}

	// The slot is free again.
	if _, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("1.00")); err != nil {
		t.Errorf("Expected a new request to open, got %v", err)
	}
	if n := f.metrics.Snapshot().Receives["none"]; n != 1 {
		t.Errorf("Expected 1 settled receive metric, got %d", n)
	}
}

func TestCoordinator_BeginRejections(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		receiver string
		tag      string
		amount   money.Amount
		wantErr  error
	}{
		{"self receive", "bob", "2021-002", money.MustParse("1.00"), ledger.ErrSelfReceiveRejected},
		{"unknown sender", "bob", "2099-999", money.MustParse("1.00"), ledger.ErrNotFound},
		{"unknown receiver", "ghost", "2021-001", money.MustParse("1.00"), ledger.ErrNotFound},
		{"zero amount", "bob", "2021-001", money.Zero, ledger.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Begin(ctx, tt.receiver, tt.tag, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, ok := f.coord.Pending("bob"); ok {
		t.Error("Rejected requests must not occupy the receiver's slot")
	}
}

func TestCoordinator_ReceiveInProgress(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	first, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("5.00"))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := f.coord.Begin(ctx, "bob", "2021-003", money.MustParse("1.00")); !errors.Is(err, ledger.ErrReceiveInProgress) {
		t.Errorf("Expected ErrReceiveInProgress, got %v", err)
	}

	// Another receiver is unaffected.
	if _, err := f.coord.Begin(ctx, "carol", "2021-001", money.MustParse("1.00")); err != nil {
		t.Errorf("Expected carol's request to open, got %v", err)
	}

	pending, ok := f.coord.Pending("bob")
	if !ok || pending.ID != first.ID {
		t.Errorf("Expected bob's first request pending, got %+v", pending)
	}
}

func TestCoordinator_Expires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanTimeout = 30 * time.Millisecond
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	req, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("5.00"))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := f.coord.Await(waitCtx, req.ID)
	if !errors.Is(err, ledger.ErrExpired) {
		t.Fatalf("Expected ErrExpired, got %v", err)
	}
	if final.Status != ledger.ReceiveExpired {
		t.Errorf("Expected expired status, got %s", final.Status)
	}

	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: req.ID, ScanID: "late"}); !errors.Is(err, ledger.ErrExpired) {
		t.Errorf("Expected ErrExpired for a late scan, got %v", err)
	}
	if b := f.balance(t, "alice"); b != "100.00" {
		t.Errorf("Expected no money moved, got %s", b)
	}

	if _, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("5.00")); err != nil {
		t.Errorf("Expected the slot to be released, got %v", err)
	}
	if n := f.metrics.Snapshot().Receives["expired"]; n != 1 {
		t.Errorf("Expected 1 expired receive metric, got %d", n)
	}
}

func TestCoordinator_DuplicateScanSameRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	req, _ := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("10.00"))
	scan := Scan{RequestID: req.ID, ScanID: "scan-dup", CardUID: "AA"}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.coord.HandleScan(ctx, scan)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrDuplicateScan) {
				t.Errorf("Expected ErrDuplicateScan, got %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly one applied scan, got %d", successes)
	}
	if b := f.balance(t, "alice"); b != "90.00" {
		t.Errorf("Expected a single debit, got %s", b)
	}
	list, _ := f.store.ListTransfers(ctx, "alice", 0)
	if len(list) != 1 {
		t.Errorf("Expected exactly one transfer, got %d", len(list))
	}

	// A retransmission after settlement is still recognised.
	if _, err := f.coord.HandleScan(ctx, scan); !errors.Is(err, ledger.ErrDuplicateScan) {
		t.Errorf("Expected ErrDuplicateScan, got %v", err)
	}
}

func TestCoordinator_DuplicateScanAcrossRequests(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	first, _ := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("1.00"))
	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: first.ID, ScanID: "scan-x"}); err != nil {
		t.Fatalf("HandleScan failed: %v", err)
	}

	second, _ := f.coord.Begin(ctx, "carol", "2021-001", money.MustParse("1.00"))
	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: second.ID, ScanID: "scan-x"}); !errors.Is(err, ledger.ErrDuplicateScan) {
		t.Fatalf("Expected ErrDuplicateScan, got %v", err)
	}

	// The request keeps waiting for a fresh scan.
	got, _ := f.coord.Get(ctx, second.ID)
	if got.Status != ledger.ReceiveAwaitingScan {
		t.Errorf("Expected request still awaiting a scan, got %s", got.Status)
	}
	if _, err := f.coord.HandleScan(ctx, Scan{ReceiverID: "carol", ScanID: "scan-y"}); err != nil {
		t.Errorf("Expected fresh scan to settle, got %v", err)
	}
	if b := f.balance(t, "carol"); b != "6.00" {
		t.Errorf("Expected carol 6.00, got %s", b)
	}
}

func TestCoordinator_TransferFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	// carol only has 5.00.
	req, _ := f.coord.Begin(ctx, "bob", "2021-003", money.MustParse("50.00"))
	got, err := f.coord.HandleScan(ctx, Scan{RequestID: req.ID, ScanID: "scan-poor"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if got.Status != ledger.ReceiveFailed || got.FailureReason != "insufficient_funds" {
		t.Errorf("unexpected request %+v", got)
	}
	if _, ok := f.coord.Pending("bob"); ok {
		t.Error("Expected the slot to be released")
	}

	_, err = f.coord.Await(ctx, req.ID)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("Await: expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: req.ID, ScanID: "scan-other"}); !errors.Is(err, ledger.ErrRequestClosed) {
		t.Errorf("Expected ErrRequestClosed, got %v", err)
	}
}

func TestCoordinator_UnknownRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: "nope", ScanID: "s"}); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
	if _, err := f.coord.HandleScan(ctx, Scan{ReceiverID: "bob", ScanID: "s"}); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
	if _, err := f.coord.HandleScan(ctx, Scan{ReceiverID: "bob"}); !errors.Is(err, ledger.ErrInvalidScan) {
		t.Errorf("Expected ErrInvalidScan, got %v", err)
	}
}

func TestCoordinator_ReaderDeliversScan(t *testing.T) {
	reader := newFakeReader()
	f := newFixture(t, DefaultConfig(), reader)
	ctx := context.Background()

	req, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("2.50"))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	reader.results <- readerResult{ev: device.ScanEvent{ScanID: device.DeriveScanID(req.ID, "04aa"), CardUID: "04AA"}}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := f.coord.Await(waitCtx, req.ID)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if final.Status != ledger.ReceiveSettled || final.CardUID != "04AA" {
		t.Errorf("unexpected request %+v", final)
	}

	reader.mu.Lock()
	triggers := append([]string(nil), reader.triggers...)
	reader.mu.Unlock()
	if len(triggers) != 1 || triggers[0] != req.ID {
		t.Errorf("Expected one trigger for %s, got %v", req.ID, triggers)
	}
}

func TestCoordinator_ReaderScanFailed(t *testing.T) {
	reader := newFakeReader()
	f := newFixture(t, DefaultConfig(), reader)
	ctx := context.Background()

	req, _ := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("2.50"))
	reader.results <- readerResult{err: device.ErrScanFailed}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := f.coord.Await(waitCtx, req.ID)
	if !errors.Is(err, ledger.ErrInvalidScan) {
		t.Fatalf("Expected ErrInvalidScan, got %v", err)
	}
	if final.Status != ledger.ReceiveFailed {
		t.Errorf("Expected failed, got %s", final.Status)
	}
}

func TestCoordinator_ScanFailedCallback(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	req, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("2.50"))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := f.coord.ScanFailed(req.ID); err != nil {
		t.Fatalf("ScanFailed failed: %v", err)
	}
	got, _ := f.coord.Get(ctx, req.ID)
	if got.Status != ledger.ReceiveFailed || got.FailureReason != "invalid_scan: scan failed" {
		t.Errorf("unexpected request %+v", got)
	}

	if err := f.coord.ScanFailed(req.ID); !errors.Is(err, ledger.ErrRequestClosed) {
		t.Errorf("Expected ErrRequestClosed for a finished request, got %v", err)
	}
	if err := f.coord.ScanFailed("missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	// The receiver can open a new request.
	if _, err := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("2.50")); err != nil {
		t.Errorf("Begin after failure failed: %v", err)
	}
}

func TestCoordinator_CloseExpiresPending(t *testing.T) {
	reader := newFakeReader()
	f := newFixture(t, DefaultConfig(), reader)
	ctx := context.Background()

	req, _ := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("2.50"))

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Await(ctx, req.ID)
		done <- err
	}()

	if err := f.coord.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ledger.ErrExpired) {
			t.Errorf("Expected ErrExpired, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after Close")
	}

	if _, err := f.coord.Begin(ctx, "carol", "2021-001", money.MustParse("1.00")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestScanGuard(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.CreateAccount(ctx, &ledger.Account{ID: "a", Tag: "a"})
	store.CreateAccount(ctx, &ledger.Account{ID: "b", Tag: "b"})

	g := NewScanGuard(store, 100, 0.01)

	consumed, err := g.Consumed(ctx, "scan-1")
	if err != nil || consumed {
		t.Errorf("Expected unseen scan, got %v (%v)", consumed, err)
	}

	// In the filter but never written: a false positive.
	g.Add("scan-1")
	consumed, _ = g.Consumed(ctx, "scan-1")
	if consumed {
		t.Error("Expected the transfer log to overrule the filter")
	}

	store.CreateTransfer(ctx, &ledger.TransferRecord{ID: "t1", SenderID: "a", RecipientID: "b", Amount: money.MustParse("1.00"), ScanID: "scan-2", Status: ledger.TransferCompleted})
	g.Add("scan-2")
	consumed, _ = g.Consumed(ctx, "scan-2")
	if !consumed {
		t.Error("Expected recorded scan to be consumed")
	}

	stats := g.Stats()
	if stats.TotalQueries != 3 || stats.BloomRejected != 1 || stats.FalsePositives != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestCoordinator_AwaitReloadsFinishedRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	// carol only has 5.00.
	poor, _ := f.coord.Begin(ctx, "bob", "2021-003", money.MustParse("50.00"))
	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: poor.ID, ScanID: "scan-poor"}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	f.coord.forget(poor.ID)

	unread, _ := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("1.00"))
	if err := f.coord.ScanFailed(unread.ID); err != nil {
		t.Fatalf("ScanFailed failed: %v", err)
	}
	f.coord.forget(unread.ID)

	paid, _ := f.coord.Begin(ctx, "bob", "2021-001", money.MustParse("1.00"))
	if _, err := f.coord.HandleScan(ctx, Scan{RequestID: paid.ID, ScanID: "scan-paid"}); err != nil {
		t.Fatalf("HandleScan failed: %v", err)
	}
	f.coord.forget(paid.ID)

	tests := []struct {
		name       string
		requestID  string
		wantStatus ledger.ReceiveStatus
		wantErr    error
	}{
		{"failed transfer", poor.ID, ledger.ReceiveFailed, ledger.ErrInsufficientFunds},
		{"failed scan", unread.ID, ledger.ReceiveFailed, ledger.ErrInvalidScan},
		{"settled", paid.ID, ledger.ReceiveSettled, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.coord.Await(ctx, tt.requestID)
			if got == nil || got.Status != tt.wantStatus {
				t.Fatalf("Expected status %s, got %+v", tt.wantStatus, got)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFailureError_UnknownClass(t *testing.T) {
	err := failureError("internal: reader: connection refused")
	if err == nil || ledger.ClassifyError(err) != "internal" {
		t.Errorf("Expected an internal error, got %v", err)
	}
	if !errors.Is(failureError("duplicate_scan"), ledger.ErrDuplicateScan) {
		t.Error("Expected ErrDuplicateScan from a bare class")
	}
}
