// Command ledgerd runs the ledger HTTP service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tap-ledger/pkg/api"
	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/balance"
	balancemem "tap-ledger/pkg/balance/memory"
	balanceredis "tap-ledger/pkg/balance/redis"
	"tap-ledger/pkg/config"
	"tap-ledger/pkg/device"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	promMetrics "tap-ledger/pkg/metrics/prometheus"
	"tap-ledger/pkg/notify"
	"tap-ledger/pkg/notify/natsfeed"
	"tap-ledger/pkg/receive"
	"tap-ledger/pkg/settlement"
	"tap-ledger/pkg/store/sqlstore"
	"tap-ledger/pkg/transfer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger from environment
	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logging.SetGlobal(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.Info("🚀 Starting ledgerd...")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := promMetrics.NewPrometheusCollector(cfg.MetricsNamespace)
	if err := metricsCollector.Register(registry); err != nil {
		return err
	}
	logger.Info("✓ Prometheus metrics registered")

	store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN})
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("✓ Record store opened", zap.String("driver", store.Driver()))

	feed, err := openFeed(cfg, logger)
	if err != nil {
		return err
	}
	defer feed.Close()

	publisher := notify.NewPublisherWithMetrics(feed, notify.PublisherConfig{
		Name:      "events",
		QueueSize: cfg.PublisherQueueSize,
		Workers:   cfg.PublisherWorkers,
	}, metricsCollector)
	defer publisher.Close()

	view, err := openBalanceView(cfg, store, metricsCollector, logger)
	if err != nil {
		return err
	}
	defer view.Close()

	// With a shared feed, balance changes made by other instances reach the view too.
	if cfg.NATSURL != "" {
		sub, err := view.Watch(feed)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	observers := []ledger.BalanceObserver{view, publisher}

	passwords := auth.NewPasswordVerifierWithCost(store, cfg.BcryptCost)
	verifier := auth.NewGuardedVerifierWithMetrics(passwords, cfg.Resilience(), metricsCollector)

	transfers, err := transfer.NewEngineWithMetrics(transfer.Dependencies{
		Accounts:  store,
		Transfers: store,
		Reconcile: store,
		Verifier:  verifier,
		Observers: observers,
	}, transfer.DefaultConfig(), metricsCollector)
	if err != nil {
		return err
	}

	settle, err := settlement.NewEngineWithMetrics(settlement.Dependencies{
		Accounts:  store,
		Purchases: store,
		Carts:     store,
		Reconcile: store,
		Observers: observers,
		Events:    publisher,
	}, settlement.DefaultConfig(), metricsCollector)
	if err != nil {
		return err
	}

	deps := receive.Dependencies{
		Accounts:  store,
		Requests:  store,
		Transfers: store,
		Engine:    transfers,
	}
	if cfg.ReaderURL != "" {
		readerConfig := device.DefaultConfig()
		readerConfig.BaseURL = cfg.ReaderURL
		readerConfig.Timeout = cfg.ReaderTimeout
		readerConfig.Resilience = cfg.Resilience().WithTimeout(0)
		reader, err := device.NewClientWithMetrics(readerConfig, metricsCollector)
		if err != nil {
			return err
		}
		deps.Reader = reader
		logger.Info("✓ Card reader configured", zap.String("url", cfg.ReaderURL))
	}

	receiveConfig := receive.DefaultConfig()
	receiveConfig.ScanTimeout = cfg.ScanTimeout
	coordinator, err := receive.NewCoordinatorWithMetrics(deps, receiveConfig, metricsCollector)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.HTTPAddr
	serverConfig.DeviceKey = cfg.DeviceKey
	serverConfig.OperatorKey = cfg.OperatorKey
	serverConfig.MetricsNamespace = cfg.MetricsNamespace
	serverConfig.ReceiveWaitLimit = cfg.ScanTimeout + 5*time.Second
	if floor := serverConfig.ReceiveWaitLimit + 10*time.Second; serverConfig.WriteTimeout < floor {
		serverConfig.WriteTimeout = floor
	}

	server, err := api.NewServer(api.Dependencies{
		Store:       store,
		Transfers:   transfers,
		Settlement:  settle,
		Receive:     coordinator,
		Balances:    view,
		Credentials: passwords,
		Tokens:      auth.NewTokenValidator(cfg.JWTSecret, cfg.JWTIssuer),
		Publisher:   publisher,
		Metrics:     metricsCollector,
		Registry:    registry,
		Logger:      logger.Named("api"),
	}, serverConfig)
	if err != nil {
		return err
	}

	if cfg.DeviceKey == "" {
		logger.Warn("DEVICE_KEY not set; device scan callback disabled")
	}

	errc := server.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("🛑 Shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := publisher.Flush(cfg.ShutdownTimeout); err != nil {
		logger.Warn("Events still queued at shutdown", zap.Error(err))
	}

	logger.Info("✓ Server stopped gracefully")
	return nil
}

// openFeed connects to NATS when configured, otherwise uses an in-process
// broker.
func openFeed(cfg *config.Config, logger *logging.Logger) (notify.Feed, error) {
	if cfg.NATSURL == "" {
		logger.Info("✓ In-process event broker")
		return notify.NewBroker(), nil
	}

	natsConfig := natsfeed.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.SubjectPrefix = cfg.NATSSubject
	feed, err := natsfeed.Connect(natsConfig)
	if err != nil {
		return nil, err
	}
	logger.Info("✓ NATS event feed connected", zap.String("url", cfg.NATSURL))
	return feed, nil
}

// openBalanceView builds the layered balance view: memory first, then Redis
// behind a circuit breaker when REDIS_ADDR is set. An unreachable Redis is
// skipped rather than fatal.
func openBalanceView(cfg *config.Config, store ledger.AccountStore, metricsCollector *promMetrics.PrometheusCollector, logger *logging.Logger) (*balance.View, error) {
	layers := []balance.Layer{
		balancemem.New(balancemem.Config{
			Name:    "L1-memory",
			MaxSize: cfg.BalanceCacheSize,
			TTL:     cfg.BalanceCacheTTL,
		}),
	}

	if cfg.RedisAddr != "" {
		redisConfig := balanceredis.DefaultConfig()
		redisConfig.Name = "L2-redis"
		redisConfig.Addr = cfg.RedisAddr
		layer, err := balanceredis.New(redisConfig)
		if err != nil {
			logger.Warn("Redis balance layer unavailable; continuing without it", zap.Error(err))
		} else {
			guard := cfg.Resilience().WithTimeout(time.Second)
			layers = append(layers, balance.NewGuardedLayerWithMetrics(layer, guard, metricsCollector))
			logger.Info("✓ Redis balance layer connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	return balance.NewViewWithMetrics(store, balance.DefaultConfig(), metricsCollector, layers...)
}
