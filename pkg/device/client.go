// Package device talks to the card reader that confirms a receive request.
//
// The reader exposes a single HTTP endpoint. A GET on /trigger_rfid arms the
// reader and returns once a card is presented:
//
//	{"success": true, "uid": "04A2B91C", "scan_id": "..."}
//
// Older firmware omits scan_id; the client then derives one from the trigger
// correlation id and the card uid so that a retransmitted report for the same
// trigger is recognised as a duplicate.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/resilience"

	"go.uber.org/zap"
)

var (
	// ErrScanFailed is returned when the reader reports an unsuccessful read
	ErrScanFailed = errors.New("device: card read failed")

	// ErrNoScan is returned when the caller's deadline passed before a card was presented
	ErrNoScan = errors.New("device: no card presented")
)

// ScanEvent is a successful card read.
type ScanEvent struct {
	ScanID  string `json:"scan_id"`
	CardUID string `json:"uid"`
}

// Reader arms a card reader and waits for a card.
type Reader interface {
	Trigger(ctx context.Context, correlationID string) (ScanEvent, error)
}

// Config configures the reader client.
type Config struct {
	// BaseURL is the reader's address, e.g. http://192.168.1.18
	BaseURL string

	// Timeout bounds one trigger request, including the wait for a card (default: 60s)
	Timeout time.Duration

	// Resilience configures the circuit breaker around the reader
	Resilience resilience.Config
}

// DefaultConfig returns the default reader configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    60 * time.Second,
		Resilience: resilience.DefaultConfig().WithTimeout(0),
	}
}

type triggerResponse struct {
	Success bool   `json:"success"`
	UID     string `json:"uid"`
	ScanID  string `json:"scan_id"`
	Error   string `json:"error"`
}

// Client is an HTTP Reader.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	guard      *resilience.Guard
	logger     *logging.Logger
}

var _ Reader = (*Client)(nil)

// NewClient creates a reader client.
func NewClient(config Config) (*Client, error) {
	return NewClientWithMetrics(config, metrics.NoOpCollector{})
}

// NewClientWithMetrics creates a reader client whose breaker reports to metricsCollector.
func NewClientWithMetrics(config Config, metricsCollector metrics.MetricsCollector) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("device: base URL required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("device: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("device: unsupported scheme %q", base.Scheme)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	// A missing card and an expired caller deadline say nothing about the
	// reader's health.
	rc := config.Resilience.WithSuccessFilter(func(err error) bool {
		return err == nil || errors.Is(err, ErrScanFailed) || errors.Is(err, ErrNoScan)
	})

	return &Client{
		base:       base,
		httpClient: &http.Client{Timeout: config.Timeout},
		guard:      resilience.NewGuardWithMetrics("reader", rc, metricsCollector),
		logger:     logging.Component("device"),
	}, nil
}

// Trigger arms the reader and blocks until it reports a read, ctx ends, or
// the client timeout elapses.
func (c *Client) Trigger(ctx context.Context, correlationID string) (ScanEvent, error) {
	var event ScanEvent
	err := c.guard.Do(ctx, "trigger", func(callCtx context.Context) error {
		var err error
		event, err = c.trigger(callCtx, correlationID)
		if err != nil && ctx.Err() != nil {
			return ErrNoScan
		}
		return err
	})
	if err != nil {
		return ScanEvent{}, err
	}
	return event, nil
}

func (c *Client) trigger(ctx context.Context, correlationID string) (ScanEvent, error) {
	u := *c.base
	u.Path += "/trigger_rfid"
	if correlationID != "" {
		u.RawQuery = url.Values{"request_id": {correlationID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ScanEvent{}, fmt.Errorf("device: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ScanEvent{}, fmt.Errorf("device: trigger: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ScanEvent{}, fmt.Errorf("device: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ScanEvent{}, fmt.Errorf("device: trigger returned status %d", resp.StatusCode)
	}

	var tr triggerResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return ScanEvent{}, fmt.Errorf("device: decode response: %w", err)
	}
	if tr.Error != "" {
		return ScanEvent{}, fmt.Errorf("device: %s", tr.Error)
	}
	if !tr.Success || (tr.UID == "" && tr.ScanID == "") {
		return ScanEvent{}, ErrScanFailed
	}

	event := ScanEvent{ScanID: tr.ScanID, CardUID: tr.UID}
	if event.ScanID == "" {
		event.ScanID = DeriveScanID(correlationID, tr.UID)
	}

	c.logger.Debug("card read",
		logging.RequestID(correlationID),
		logging.ScanID(event.ScanID),
		zap.Duration("wait", time.Since(start)),
	)
	return event, nil
}

// DeriveScanID builds a scan id for firmware that does not report one.
func DeriveScanID(correlationID, cardUID string) string {
	return correlationID + ":" + strings.ToUpper(cardUID)
}

// Guard exposes the breaker for status reporting.
func (c *Client) Guard() *resilience.Guard {
	return c.guard
}
