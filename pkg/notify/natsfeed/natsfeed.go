// Package natsfeed implements notify.Feed on top of NATS core subjects.
//
// Events are published as JSON on "<prefix>.<type>.<account id>" so that
// consumers can subscribe to a single account or to all of them.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/notify"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config holds NATS configuration.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultConfig returns a configuration for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "tap-ledger",
		SubjectPrefix:  "ledger.events",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 2 * time.Second,
	}
}

// Feed publishes and consumes ledger events over NATS.
type Feed struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

var _ notify.Feed = (*Feed)(nil)

// Connect dials the NATS server described by cfg.
func Connect(cfg Config) (*Feed, error) {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}

	logger := logging.Component("natsfeed")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsfeed: connect %s: %w", cfg.URL, err)
	}

	return &Feed{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: logger,
		subs:   make(map[*nats.Subscription]struct{}),
	}, nil
}

// Subject returns the subject an event is published on.
func (f *Feed) Subject(event notify.Event) string {
	return fmt.Sprintf("%s.%s.%s", f.prefix, event.Type, event.AccountID)
}

// Publish sends event and flushes the connection so delivery errors surface
// within ctx.
func (f *Feed) Publish(ctx context.Context, event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("natsfeed: marshal event: %w", err)
	}
	if err := f.conn.Publish(f.Subject(event), payload); err != nil {
		return fmt.Errorf("natsfeed: publish: %w", err)
	}
	if err := f.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("natsfeed: flush: %w", err)
	}
	return nil
}

// Subscribe delivers every event under the feed's prefix to handler.
// Messages that do not decode are logged and skipped.
func (f *Feed) Subscribe(handler notify.Handler) (notify.Subscription, error) {
	sub, err := f.conn.Subscribe(f.prefix+".>", func(msg *nats.Msg) {
		var event notify.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.logger.Warn("discarding malformed event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("natsfeed: subscribe: %w", err)
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	return &subscription{feed: f, sub: sub}, nil
}

// Close drains subscriptions and closes the connection.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.subs = make(map[*nats.Subscription]struct{})
	f.mu.Unlock()

	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
		return fmt.Errorf("natsfeed: drain: %w", err)
	}
	return nil
}

type subscription struct {
	feed *Feed
	sub  *nats.Subscription
}

func (s *subscription) Unsubscribe() error {
	s.feed.mu.Lock()
	_, active := s.feed.subs[s.sub]
	delete(s.feed.subs, s.sub)
	s.feed.mu.Unlock()

	if !active {
		return nil
	}
	return s.sub.Unsubscribe()
}
