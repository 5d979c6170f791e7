// Package receive pairs "receive money" requests with card scans.
//
// A receiver opens a request naming the sender's tag and an amount. The
// coordinator triggers the reader device and waits a bounded time for a scan
// report. The first scan correlated to the request authorizes a system
// transfer from the sender; the card stands in for the sender's password.
//
//	AwaitingScan -> Matched -> Settled
//	             \          \-> Failed
//	              \-> Expired
//
// Each receiver has at most one request awaiting a scan or being settled.
package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tap-ledger/pkg/device"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/money"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned after the coordinator has been closed.
var ErrClosed = errors.New("receive: coordinator closed")

// Config configures a Coordinator.
type Config struct {
	// ScanTimeout is how long a request waits for a scan (default: 30s)
	ScanTimeout time.Duration

	// Retention is how long a finished request stays in memory for Get and
	// Await before only the store has it (default: 10m)
	Retention time.Duration

	// SettleTimeout bounds the transfer once a scan matched (default: 15s)
	SettleTimeout time.Duration

	// ExpectedScans and FalsePositiveRate size the scan id filter
	ExpectedScans     uint
	FalsePositiveRate float64
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:       30 * time.Second,
		Retention:         10 * time.Minute,
		SettleTimeout:     15 * time.Second,
		ExpectedScans:     100000,
		FalsePositiveRate: 0.01,
	}
}

// Transferer executes scan-authorized transfers. *transfer.Engine
// implements it.
type Transferer interface {
	SystemTransfer(ctx context.Context, senderID, recipientID string, amount money.Amount, scanID string) (*ledger.TransferRecord, error)
}

// Dependencies are the collaborators of a Coordinator.
type Dependencies struct {
	Accounts  ledger.AccountStore
	Requests  ledger.ReceiveLog
	Transfers ledger.TransferLog
	Engine    Transferer

	// Reader, if set, is triggered when a request opens and its scan is fed
	// back through HandleScan. Without a reader, scans arrive only through
	// HandleScan (the device callback).
	Reader device.Reader
}

// Scan is a scan report from the reader device.
type Scan struct {
	// RequestID is the correlation id passed to the trigger. When empty the
	// scan is matched to ReceiverID's outstanding request.
	RequestID  string
	ReceiverID string
	ScanID     string
	CardUID    string
}

type session struct {
	req   ledger.ReceiveRequest
	err   error
	done  chan struct{}
	timer *time.Timer

	// deadlinePassed is set when the scan window closed while the request
	// was being settled.
	deadlinePassed bool
}

// Coordinator runs receive sessions.
type Coordinator struct {
	deps    Dependencies
	config  Config
	guard   *ScanGuard
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]*session // receiver id -> open session
	sessions map[string]*session // request id -> session
	closed   bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Dependencies, config Config) (*Coordinator, error) {
	return NewCoordinatorWithMetrics(deps, config, metrics.NoOpCollector{})
}

// NewCoordinatorWithMetrics creates a coordinator that records receive
// outcomes.
func NewCoordinatorWithMetrics(deps Dependencies, config Config, metricsCollector metrics.MetricsCollector) (*Coordinator, error) {
	if deps.Accounts == nil || deps.Requests == nil || deps.Transfers == nil || deps.Engine == nil {
		return nil, errors.New("receive: account store, receive log, transfer log and engine required")
	}

	defaults := DefaultConfig()
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = defaults.ScanTimeout
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaults.SettleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		deps:     deps,
		config:   config,
		guard:    NewScanGuard(deps.Transfers, config.ExpectedScans, config.FalsePositiveRate),
		metrics:  metrics.OrNoOp(metricsCollector),
		logger:   logging.Component("receive"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*session),
		sessions: make(map[string]*session),
	}, nil
}

// Begin opens a receive request for receiverID, expecting amount from the
// account registered under claimedSenderTag.
func (c *Coordinator) Begin(ctx context.Context, receiverID, claimedSenderTag string, amount money.Amount) (*ledger.ReceiveRequest, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	senderID, err := c.deps.Accounts.LookupByTag(ctx, claimedSenderTag)
	if err != nil {
		return nil, ledger.WrapError(err, "receive: resolve sender")
	}
	if senderID == receiverID {
		return nil, ledger.ErrSelfReceiveRejected
	}
	if _, err := c.deps.Accounts.GetBalance(ctx, receiverID); err != nil {
		return nil, ledger.WrapError(err, "receive: resolve receiver")
	}

	now := c.now()
	s := &session{
		req: ledger.ReceiveRequest{
			ID:               uuid.NewString(),
			ReceiverID:       receiverID,
			ClaimedSenderTag: claimedSenderTag,
			SenderID:         senderID,
			Amount:           amount,
			Status:           ledger.ReceiveAwaitingScan,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := c.pending[receiverID]; busy {
		c.mu.Unlock()
		return nil, ledger.ErrReceiveInProgress
	}
	c.pending[receiverID] = s
	c.sessions[s.req.ID] = s
	c.mu.Unlock()

	if err := c.deps.Requests.SaveReceiveRequest(ctx, &s.req); err != nil {
		c.mu.Lock()
		delete(c.pending, receiverID)
		delete(c.sessions, s.req.ID)
		c.mu.Unlock()
		return nil, ledger.WrapError(err, "receive: save request")
	}

	c.mu.Lock()
	id := s.req.ID
	s.timer = time.AfterFunc(c.config.ScanTimeout, func() { c.expire(id) })
	out := s.req
	c.mu.Unlock()

	c.logger.Info("receive request opened",
		logging.RequestID(out.ID),
		logging.AccountID(receiverID),
		logging.Counterparty(senderID),
		logging.Amount(amount),
	)

	if c.deps.Reader != nil {
		c.wg.Add(1)
		go c.trigger(out.ID, receiverID)
	}
	return &out, nil
}

// trigger asks the reader for a scan and feeds the result back.
func (c *Coordinator) trigger(requestID, receiverID string) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.config.ScanTimeout)
	defer cancel()

	ev, err := c.deps.Reader.Trigger(ctx, requestID)
	switch {
	case err == nil:
		_, err = c.HandleScan(ctx, Scan{RequestID: requestID, ReceiverID: receiverID, ScanID: ev.ScanID, CardUID: ev.CardUID})
		if err != nil {
			c.logger.Info("scan not applied",
				logging.RequestID(requestID),
				logging.ScanID(ev.ScanID),
				logging.Outcome(ledger.ClassifyError(err)),
			)
		}
	case errors.Is(err, device.ErrNoScan):
		// The expiry timer closes the request.
	case errors.Is(err, device.ErrScanFailed):
		c.logger.Info("reader reported a failed scan", logging.RequestID(requestID))
		c.failAwaiting(requestID, "scan failed", fmt.Errorf("%w: %v", ledger.ErrInvalidScan, err))
	default:
		c.logger.Warn("reader trigger failed", logging.RequestID(requestID), zap.Error(err))
		c.failAwaiting(requestID, fmt.Sprintf("reader: %v", err), err)
	}
}

// HandleScan applies a scan report. It returns the request in its final
// state once the transfer has run.
func (c *Coordinator) HandleScan(ctx context.Context, scan Scan) (*ledger.ReceiveRequest, error) {
	if scan.ScanID == "" {
		return nil, ledger.ErrInvalidScan
	}

	s, err := c.match(ctx, scan)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(
		logging.RequestID(s.req.ID),
		logging.ScanID(scan.ScanID),
		logging.AccountID(s.req.ReceiverID),
		logging.Counterparty(s.req.SenderID),
	)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.SettleTimeout)
	defer cancel()

	c.persist(settleCtx, s)

	rec, err := c.deps.Engine.SystemTransfer(settleCtx, s.req.SenderID, s.req.ReceiverID, s.req.Amount, scan.ScanID)
	if rec != nil {
		c.guard.Add(scan.ScanID)
	}

	if errors.Is(err, ledger.ErrDuplicateScan) {
		c.guard.Add(scan.ScanID)
		log.Info("scan already consumed elsewhere")
		c.unmatch(settleCtx, s)
		return nil, err
	}

	if err != nil {
		log.Info("receive transfer failed", logging.Outcome(ledger.ClassifyError(err)))
		c.finish(settleCtx, s, ledger.ReceiveMatched, ledger.ReceiveFailed, err, func(r *ledger.ReceiveRequest) {
			if rec != nil {
				r.TransferID = rec.ID
			}
			r.FailureReason = failureReason(err, "")
		})
		return c.snapshot(s), err
	}

	log.Info("receive settled", logging.TransferID(rec.ID))
	c.finish(settleCtx, s, ledger.ReceiveMatched, ledger.ReceiveSettled, nil, func(r *ledger.ReceiveRequest) {
		r.TransferID = rec.ID
	})
	return c.snapshot(s), nil
}

// match finds the session for scan and moves it to Matched.
func (c *Coordinator) match(ctx context.Context, scan Scan) (*session, error) {
	c.mu.Lock()
	s := c.lookup(scan)
	if s == nil {
		c.mu.Unlock()
		return nil, c.closedRequestError(ctx, scan)
	}
	if s.req.Status != ledger.ReceiveAwaitingScan {
		err := c.sessionError(s, scan.ScanID)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	consumed, err := c.guard.Consumed(ctx, scan.ScanID)
	if err != nil {
		return nil, ledger.WrapError(err, "receive: check scan")
	}
	if consumed {
		return nil, ledger.ErrDuplicateScan
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check: another report may have matched while the lock was released.
	if s.req.Status != ledger.ReceiveAwaitingScan {
		return nil, c.sessionError(s, scan.ScanID)
	}
	s.req.Status = ledger.ReceiveMatched
	s.req.ScanID = scan.ScanID
	s.req.CardUID = scan.CardUID
	s.req.UpdatedAt = c.now()
	return s, nil
}

// lookup returns the session a scan refers to; c.mu must be held.
func (c *Coordinator) lookup(scan Scan) *session {
	if scan.RequestID != "" {
		s := c.sessions[scan.RequestID]
		if s != nil && scan.ReceiverID != "" && s.req.ReceiverID != scan.ReceiverID {
			return nil
		}
		return s
	}
	if scan.ReceiverID != "" {
		return c.pending[scan.ReceiverID]
	}
	return nil
}

// sessionError explains why a session no longer accepts a scan; c.mu must be
// held.
func (c *Coordinator) sessionError(s *session, scanID string) error {
	switch {
	case s.req.ScanID == scanID:
		return ledger.ErrDuplicateScan
	case s.req.Status == ledger.ReceiveExpired:
		return ledger.ErrExpired
	default:
		return ledger.ErrRequestClosed
	}
}

// closedRequestError classifies a scan for a request that is not in memory.
func (c *Coordinator) closedRequestError(ctx context.Context, scan Scan) error {
	if scan.RequestID == "" {
		return ledger.ErrRecordNotFound
	}
	req, err := c.deps.Requests.GetReceiveRequest(ctx, scan.RequestID)
	if err != nil {
		return err
	}
	switch {
	case req.ScanID == scan.ScanID:
		return ledger.ErrDuplicateScan
	case req.Status == ledger.ReceiveExpired:
		return ledger.ErrExpired
	default:
		return ledger.ErrRequestClosed
	}
}

// unmatch returns a Matched session to AwaitingScan after its scan turned out
// to be consumed. If the window closed meanwhile the request expires.
func (c *Coordinator) unmatch(ctx context.Context, s *session) {
	c.mu.Lock()
	expired := s.deadlinePassed
	s.req.Status = ledger.ReceiveAwaitingScan
	s.req.ScanID = ""
	s.req.CardUID = ""
	s.req.UpdatedAt = c.now()
	c.mu.Unlock()

	if expired {
		c.finish(ctx, s, ledger.ReceiveAwaitingScan, ledger.ReceiveExpired, ledger.ErrExpired, nil)
		return
	}
	c.persist(ctx, s)
}

// expire closes a request whose scan window ran out.
func (c *Coordinator) expire(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SettleTimeout)
	defer cancel()

	for {
		c.mu.Lock()
		s := c.sessions[requestID]
		if s == nil || s.req.Status.Terminal() {
			c.mu.Unlock()
			return
		}
		if s.req.Status == ledger.ReceiveMatched {
			s.deadlinePassed = true
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		// A scan may match between the check and the transition; retry.
		if c.finish(ctx, s, ledger.ReceiveAwaitingScan, ledger.ReceiveExpired, ledger.ErrExpired, nil) {
			c.logger.Info("receive request expired", logging.RequestID(requestID))
			return
		}
	}
}

// ScanFailed fails a request whose card read was reported as unsuccessful
// by the device callback. It returns ErrRecordNotFound for unknown requests
// and ErrRequestClosed once the request is no longer waiting.
func (c *Coordinator) ScanFailed(requestID string) error {
	c.mu.Lock()
	s := c.sessions[requestID]
	c.mu.Unlock()

	if s == nil {
		return ledger.ErrRecordNotFound
	}
	if !c.failAwaiting(requestID, "scan failed", ledger.ErrInvalidScan) {
		return ledger.ErrRequestClosed
	}
	return nil
}

// failAwaiting fails a request that is still waiting for its scan.
func (c *Coordinator) failAwaiting(requestID, detail string, cause error) bool {
	c.mu.Lock()
	s := c.sessions[requestID]
	if s == nil || s.req.Status != ledger.ReceiveAwaitingScan {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.SettleTimeout)
	defer cancel()
	return c.finish(ctx, s, ledger.ReceiveAwaitingScan, ledger.ReceiveFailed, cause, func(r *ledger.ReceiveRequest) {
		r.FailureReason = failureReason(cause, detail)
	})
}

// failureReason records the error class of cause, followed by detail when
// there is one, so the failure survives being reloaded from the store.
func failureReason(cause error, detail string) string {
	label := ledger.ClassifyError(cause)
	if detail == "" {
		return label
	}
	return label + ": " + detail
}

// failureError rebuilds the error of a failed request from its reason.
func failureError(reason string) error {
	label, detail, _ := strings.Cut(reason, ": ")
	err := ledger.ErrorForClass(label)
	if err == nil {
		return fmt.Errorf("receive: request failed: %s", reason)
	}
	if detail == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, detail)
}

// finish moves s from status from to a terminal status, releases the
// receiver's slot and wakes Await callers. It reports false, changing
// nothing, when s is no longer in from.
func (c *Coordinator) finish(ctx context.Context, s *session, from, status ledger.ReceiveStatus, cause error, mutate func(*ledger.ReceiveRequest)) bool {
	c.mu.Lock()
	if s.req.Status != from {
		c.mu.Unlock()
		return false
	}
	s.req.Status = status
	s.req.UpdatedAt = c.now()
	if mutate != nil {
		mutate(&s.req)
	}
	s.err = cause
	if s.timer != nil {
		s.timer.Stop()
	}
	if c.pending[s.req.ReceiverID] == s {
		delete(c.pending, s.req.ReceiverID)
	}
	id := s.req.ID
	time.AfterFunc(c.config.Retention, func() { c.forget(id) })
	c.mu.Unlock()

	c.persist(ctx, s)
	close(s.done)
	c.metrics.RecordReceive(ledger.ClassifyError(cause))
	return true
}

func (c *Coordinator) forget(requestID string) {
	c.mu.Lock()
	delete(c.sessions, requestID)
	c.mu.Unlock()
}

func (c *Coordinator) persist(ctx context.Context, s *session) {
	req := c.snapshot(s)
	if err := c.deps.Requests.SaveReceiveRequest(ctx, req); err != nil {
		c.logger.Error("failed to persist receive request",
			logging.RequestID(req.ID),
			zap.String("status", string(req.Status)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) snapshot(s *session) *ledger.ReceiveRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := s.req
	return &out
}

// Await blocks until the request reaches a terminal status or ctx is done.
// It returns the final request and, for expired or failed requests, the
// error that ended it.
func (c *Coordinator) Await(ctx context.Context, requestID string) (*ledger.ReceiveRequest, error) {
	c.mu.Lock()
	s := c.sessions[requestID]
	c.mu.Unlock()

	if s == nil {
		req, err := c.deps.Requests.GetReceiveRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		switch req.Status {
		case ledger.ReceiveExpired:
			return req, ledger.ErrExpired
		case ledger.ReceiveFailed:
			return req, failureError(req.FailureReason)
		}
		return req, nil
	}

	select {
	case <-s.done:
		c.mu.Lock()
		err := s.err
		c.mu.Unlock()
		return c.snapshot(s), err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the current state of a request.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*ledger.ReceiveRequest, error) {
	c.mu.Lock()
	s := c.sessions[requestID]
	c.mu.Unlock()

	if s != nil {
		return c.snapshot(s), nil
	}
	return c.deps.Requests.GetReceiveRequest(ctx, requestID)
}

// Pending returns the receiver's open request, if any.
func (c *Coordinator) Pending(receiverID string) (*ledger.ReceiveRequest, bool) {
	c.mu.Lock()
	s := c.pending[receiverID]
	c.mu.Unlock()

	if s == nil {
		return nil, false
	}
	return c.snapshot(s), true
}

// Stats returns scan filter statistics.
func (c *Coordinator) Stats() ScanGuardStats {
	return c.guard.Stats()
}

// Close expires every open request and waits for reader triggers to return.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]string, 0, len(c.pending))
	for _, s := range c.pending {
		open = append(open, s.req.ID)
	}
	c.mu.Unlock()

	c.cancel()
	for _, id := range open {
		c.expire(id)
	}
	c.wg.Wait()
	return nil
}
