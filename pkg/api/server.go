// Package api exposes the ledger engines over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/balance"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/notify"
	"tap-ledger/pkg/receive"
	"tap-ledger/pkg/settlement"
	"tap-ledger/pkg/transfer"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides the ledger HTTP endpoints.
type Server struct {
	deps    Dependencies
	config  ServerConfig
	router  *mux.Router
	server  *http.Server
	logger  *logging.Logger
	started time.Time
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses. Must exceed ReceiveWaitLimit.
	WriteTimeout time.Duration

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration

	// RequestTimeout bounds the engine call behind each request
	RequestTimeout time.Duration

	// ReceiveWaitLimit caps the wait parameter of GET /receive/{id}/wait
	ReceiveWaitLimit time.Duration

	// HistoryLimit is the default page size for history listings
	HistoryLimit int

	// DeviceKey authenticates POST /device/scans; empty disables the route
	DeviceKey string

	// OperatorKey authenticates the reconciliation routes; empty disables them
	OperatorKey string

	// MetricsNamespace prefixes the HTTP metrics
	MetricsNamespace string
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          ":8080",
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     60 * time.Second,
		IdleTimeout:      60 * time.Second,
		RequestTimeout:   20 * time.Second,
		ReceiveWaitLimit: 45 * time.Second,
		HistoryLimit:     50,
		MetricsNamespace: "ledger",
	}
}

// Enroller registers account passwords. *auth.PasswordVerifier implements it.
type Enroller interface {
	ValidateCredential(password string) error
	Enroll(ctx context.Context, accountID, password string) error
}

// Dependencies are the collaborators behind the endpoints.
type Dependencies struct {
	Store       ledger.Store
	Transfers   *transfer.Engine
	Settlement  *settlement.Engine
	Receive     *receive.Coordinator
	Balances    *balance.View
	Credentials Enroller
	Tokens      *auth.TokenValidator

	// Publisher, if set, is reported on /status
	Publisher *notify.Publisher

	// Metrics is served on /metrics/json when it can snapshot itself
	Metrics metrics.MetricsCollector

	// Registry, if set, is served on /metrics and receives the HTTP metrics
	Registry *prometheus.Registry

	Logger *logging.Logger
}

// NewServer creates the API server and its routes.
func NewServer(deps Dependencies, config ServerConfig) (*Server, error) {
	if deps.Store == nil || deps.Transfers == nil || deps.Settlement == nil || deps.Receive == nil ||
		deps.Balances == nil || deps.Credentials == nil || deps.Tokens == nil {
		return nil, errors.New("api: store, engines, balance view, credentials and token validator are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Component("api")
	}
	deps.Metrics = metrics.OrNoOp(deps.Metrics)

	defaults := DefaultServerConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ReceiveWaitLimit <= 0 {
		config.ReceiveWaitLimit = defaults.ReceiveWaitLimit
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if config.MetricsNamespace == "" {
		config.MetricsNamespace = defaults.MetricsNamespace
	}

	s := &Server{
		deps:    deps,
		config:  config,
		logger:  deps.Logger,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	if deps.Registry != nil {
		hm, err := newHTTPMetrics(config.MetricsNamespace, deps.Registry)
		if err != nil {
			return nil, err
		}
		r.Use(hm.middleware)
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Health and status endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleRegister).Methods(http.MethodPost)

	// Account endpoints
	user := r.NewRoute().Subrouter()
	user.Use(s.authenticate)
	user.HandleFunc("/accounts/me", s.handleMe).Methods(http.MethodGet)
	user.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	user.HandleFunc("/transfers", s.handleTransfer).Methods(http.MethodPost)
	user.HandleFunc("/transfers", s.handleTransferHistory).Methods(http.MethodGet)
	user.HandleFunc("/transfers/{id}", s.handleGetTransfer).Methods(http.MethodGet)
	user.HandleFunc("/cart", s.handleCart).Methods(http.MethodGet)
	user.HandleFunc("/cart/items", s.handleAddCartItem).Methods(http.MethodPost)
	user.HandleFunc("/cart/items/{id}", s.handleRemoveCartItem).Methods(http.MethodDelete)
	user.HandleFunc("/cart/checkout", s.handleCheckout).Methods(http.MethodPost)
	user.HandleFunc("/purchases", s.handleSettle).Methods(http.MethodPost)
	user.HandleFunc("/purchases", s.handlePurchases).Methods(http.MethodGet)
	user.HandleFunc("/purchases/{id}", s.handleGetPurchase).Methods(http.MethodGet)
	user.HandleFunc("/receive", s.handleBeginReceive).Methods(http.MethodPost)
	user.HandleFunc("/receive", s.handlePendingReceive).Methods(http.MethodGet)
	user.HandleFunc("/receive/{id}", s.handleGetReceive).Methods(http.MethodGet)
	user.HandleFunc("/receive/{id}/wait", s.handleAwaitReceive).Methods(http.MethodGet)

	if config.DeviceKey != "" {
		device := r.NewRoute().Subrouter()
		device.Use(requireKey(deviceKeyHeader, config.DeviceKey))
		device.HandleFunc("/device/scans", s.handleDeviceScan).Methods(http.MethodPost)
	}

	if config.OperatorKey != "" {
		operator := r.NewRoute().Subrouter()
		operator.Use(requireKey(operatorKeyHeader, config.OperatorKey))
		operator.HandleFunc("/reconciliations", s.handleReconciliations).Methods(http.MethodGet)
		operator.HandleFunc("/reconciliations/{id}/resolve", s.handleResolveReconciliation).Methods(http.MethodPost)
	}

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine. Listen errors are sent on
// the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestContext bounds an engine call made on behalf of r.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth pings the record store and any balance layer that supports it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, target interface{}) {
		p, ok := target.(pinger)
		if !ok {
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	check("store", s.deps.Store)
	for _, layer := range s.deps.Balances.Layers() {
		if g, ok := layer.(*balance.GuardedLayer); ok {
			check(layer.Name(), g.Unwrap())
			continue
		}
		check(layer.Name(), layer)
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// handleStatus returns detailed status information.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	response := map[string]interface{}{
		"status":      "running",
		"timestamp":   time.Now().Unix(),
		"uptime":      time.Since(s.started).String(),
		"scan_filter": s.deps.Receive.Stats(),
	}

	if s.deps.Publisher != nil {
		response["publisher"] = s.deps.Publisher.Stats()
	}

	if pending, err := s.deps.Store.ListPendingReconciliations(ctx); err == nil {
		response["pending_reconciliations"] = len(pending)
	} else {
		s.logger.Warn("failed to count pending reconciliations", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, response)
}
