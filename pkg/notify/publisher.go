package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"

	"go.uber.org/zap"
)

// Errors returned by Publisher operations.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("notify: queue full, event dropped")

	// ErrPublisherClosed is returned when publishing to a closed publisher
	ErrPublisherClosed = errors.New("notify: publisher is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for the queue to drain
	ErrFlushTimeout = errors.New("notify: flush timeout exceeded")
)

// Publisher delivers events to a Feed without blocking the caller, using a
// bounded queue and a worker pool. Events that cannot be queued within
// MaxWaitTime are dropped: notifications are hints, the store is the truth.
type Publisher struct {
	feed       Feed
	queue      chan Event
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	config     PublisherConfig
	metrics    metrics.MetricsCollector
	logger     *logging.Logger

	// Statistics (accessed atomically)
	dropped  int64
	total    int64
	failed   int64
	inFlight int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

// PublisherConfig configures the publisher.
type PublisherConfig struct {
	// Name labels the queue in metrics and logs (default: "events")
	Name string

	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if the queue is full (default: 10ms)
	MaxWaitTime time.Duration

	// PublishTimeout bounds a single Feed.Publish call (default: 2s)
	PublishTimeout time.Duration
}

// DefaultPublisherConfig returns the default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Name:           "events",
		QueueSize:      1000,
		Workers:        2,
		MaxWaitTime:    10 * time.Millisecond,
		PublishTimeout: 2 * time.Second,
	}
}

// PublisherStats provides statistics about publisher operations.
type PublisherStats struct {
	// QueueDepth is the current number of queued events
	QueueDepth int

	// Dropped is the total number of events dropped due to backpressure
	Dropped int64

	// Total is the total number of events accepted into the queue
	Total int64

	// Failed is the total number of events the feed rejected
	Failed int64
}

var _ ledger.BalanceObserver = (*Publisher)(nil)

// NewPublisher creates a publisher and starts its workers. It must be closed
// with Close().
func NewPublisher(feed Feed, config PublisherConfig) *Publisher {
	return NewPublisherWithMetrics(feed, config, metrics.NoOpCollector{})
}

// NewPublisherWithMetrics creates a publisher with a custom metrics collector.
func NewPublisherWithMetrics(feed Feed, config PublisherConfig, metricsCollector metrics.MetricsCollector) *Publisher {
	defaults := DefaultPublisherConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = defaults.MaxWaitTime
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		feed:          feed,
		queue:         make(chan Event, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.OrNoOp(metricsCollector),
		logger:        logging.Global().Named("notify").Named(config.Name),
		metricsTicker: time.NewTicker(5 * time.Second),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.reportMetrics()

	return p
}

// Publish enqueues an event. If the queue is full it waits up to MaxWaitTime
// before dropping the event with ErrQueueFull.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	select {
	case <-p.ctx.Done():
		return ErrPublisherClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(p.config.MaxWaitTime)
	defer timer.Stop()

	atomic.AddInt64(&p.inFlight, 1)
	select {
	case p.queue <- event:
		atomic.AddInt64(&p.total, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.inFlight, -1)
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.RecordEventDropped(p.config.Name)
		return ErrQueueFull
	case <-ctx.Done():
		atomic.AddInt64(&p.inFlight, -1)
		return ctx.Err()
	case <-p.ctx.Done():
		atomic.AddInt64(&p.inFlight, -1)
		return ErrPublisherClosed
	}
}

// BalanceChanged queues a BalanceChanged event for snap.
func (p *Publisher) BalanceChanged(ctx context.Context, snap ledger.Snapshot) {
	if err := p.Publish(ctx, BalanceEvent(snap)); err != nil {
		p.logger.Debug("balance notification not queued",
			logging.AccountID(snap.AccountID),
			zap.Int64("version", snap.Version),
			zap.Error(err),
		)
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(event Event) {
	defer atomic.AddInt64(&p.inFlight, -1)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := p.feed.Publish(ctx, event)
	p.metrics.RecordEventPublished(p.config.Name, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("event publish failed",
			zap.String("type", string(event.Type)),
			logging.AccountID(event.AccountID),
			zap.Error(err),
		)
	}
}

// Flush waits until every accepted event has been delivered or timeout elapses.
func (p *Publisher) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&p.inFlight) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// workers to exit.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.metricsStop)
		p.metricsTicker.Stop()
		p.cancelFunc()
		p.wg.Wait()
	})
	return nil
}

func (p *Publisher) reportMetrics() {
	for {
		select {
		case <-p.metricsTicker.C:
			p.metrics.RecordQueueDepth(p.config.Name, len(p.queue))
		case <-p.metricsStop:
			return
		}
	}
}

// Stats returns current statistics about the publisher.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		QueueDepth: len(p.queue),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Total:      atomic.LoadInt64(&p.total),
		Failed:     atomic.LoadInt64(&p.failed),
	}
}
