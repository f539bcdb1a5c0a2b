package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"petrosa-tradeengine/config"
	"petrosa-tradeengine/internal/aggregator"
	"petrosa-tradeengine/internal/api"
	"petrosa-tradeengine/internal/bus"
	"petrosa-tradeengine/internal/dispatcher"
	"petrosa-tradeengine/internal/events"
	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/lock"
	"petrosa-tradeengine/internal/metrics"
	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/position"
	"petrosa-tradeengine/internal/signal"
	"petrosa-tradeengine/internal/store"
	"petrosa-tradeengine/internal/tradingconfig"
)

// Process exit codes.
const (
	exitOK                = 0
	exitConfigError       = 1
	exitPersistenceError  = 2
	exitVenueAuthError    = 3
	exitHedgeModeMismatch = 64
	exitShutdownSignal    = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Error().Err(err).Msg("Configuration error")
		return exitConfigError
	}
	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Bool("hedge_mode", cfg.EngineConfig.HedgeModeEnabled).Msg("Trade engine starting")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Venue client and symbol filters.
	var client exchange.Client
	if cfg.BinanceConfig.MockMode {
		logger.Warn().Msg("Mock venue enabled; no real orders will be placed")
		client = exchange.NewMockClient()
	} else {
		client = exchange.NewBinanceClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey, cfg.BinanceConfig.TestNet, logger)
	}
	symbols, err := client.LoadSymbolInfo(rootCtx)
	if err != nil {
		if exchange.IsAuthFailure(err) {
			logger.Error().Err(err).Msg("Venue authentication failed")
			return exitVenueAuthError
		}
		logger.Error().Err(err).Msg("Failed to load symbol filters")
		return exitVenueAuthError
	}
	filters := exchange.NewFilters(symbols)
	logger.Info().Int("symbols", len(symbols)).Msg("Symbol filters loaded")

	m := metrics.New()
	eventBus := events.NewBus()

	// Persistence.
	var (
		repo      interface{ Healthy() bool }
		posRepo   position.Repository
		pairRepo  oco.Repository
		lockStore lock.Store
		cfgStore  tradingconfig.Store
		mongoDB   *store.MongoStore
	)
	if cfg.MongoConfig.Enabled {
		mongoDB, err = store.ConnectMongo(rootCtx, cfg.MongoConfig.URI, cfg.MongoConfig.Database, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Primary store unavailable")
			return exitPersistenceError
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = mongoDB.Close(closeCtx)
			closeCancel()
		}()

		var analytics *store.AnalyticsStore
		if cfg.PostgresConfig.Enabled {
			analytics, err = store.NewAnalyticsStore(store.PostgresConfig{
				Host:     cfg.PostgresConfig.Host,
				Port:     cfg.PostgresConfig.Port,
				User:     cfg.PostgresConfig.User,
				Password: cfg.PostgresConfig.Password,
				Database: cfg.PostgresConfig.Database,
				SSLMode:  cfg.PostgresConfig.SSLMode,
			}, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("Analytics store unavailable; continuing without mirror")
			} else {
				defer analytics.Close()
				if err := analytics.RunMigrations(rootCtx); err != nil {
					logger.Warn().Err(err).Msg("Analytics migrations failed")
				}
			}
		}

		dual := store.NewDualWriter(mongoDB, analytics, m, logger)
		go dual.SyncLoop(rootCtx, time.Duration(cfg.EngineConfig.SyncIntervalSeconds)*time.Second)
		repo = dual
		posRepo = dual
		pairRepo = dual
		lockStore = lock.NewMongoStore(mongoDB.Database().Collection("distributed_locks"))
		cfgStore = tradingconfig.NewMongoStore(mongoDB.Database())
	} else {
		logger.Warn().Msg("Running without a primary store; state is in-memory only")
		mem := store.NewMemoryRepository()
		posRepo = mem
		pairRepo = mem
		lockStore = lock.NewMemoryStore()
		cfgStore = tradingconfig.NewMemoryStore()
	}

	// Trading config cache.
	var cfgCache tradingconfig.Cache
	cacheTTL := time.Duration(cfg.EngineConfig.ConfigCacheTTLSecond) * time.Second
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		defer redisClient.Close()
		cfgCache = tradingconfig.NewRedisCache(redisClient, cacheTTL, logger)
	} else {
		cfgCache = tradingconfig.NewMemoryCache(cacheTTL)
	}
	cfgService := tradingconfig.NewService(cfgStore, cfgCache, logger)

	// Core components.
	locks := lock.NewService(lockStore, time.Duration(cfg.EngineConfig.LockTTLSeconds)*time.Second, logger)
	manager := position.NewManager(posRepo, logger)
	tracker := position.NewTracker(manager, posRepo, logger)
	pairs := oco.NewManager(client, filters, tracker, pairRepo, cfgService, eventBus, m, logger)

	healthy := func() bool { return true }
	if repo != nil {
		healthy = repo.Healthy
	}
	disp := dispatcher.New(client, filters, locks, manager, tracker, pairs, cfgService, eventBus, m, healthy, logger)

	if cfg.EngineConfig.HedgeModeEnabled {
		if err := disp.VerifyHedgeMode(rootCtx); err != nil {
			logger.Error().Err(err).Msg("Hedge mode verification failed")
			if exchange.IsAuthFailure(err) {
				return exitVenueAuthError
			}
			return exitHedgeModeMismatch
		}
	}

	// Restore state from the primary store.
	if err := manager.Rehydrate(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to rehydrate exchange positions")
		return exitPersistenceError
	}
	if err := tracker.Rehydrate(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to rehydrate strategy positions")
		return exitPersistenceError
	}
	if err := pairs.Rebuild(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to rebuild protection pairs")
		return exitPersistenceError
	}

	agg := aggregator.New(cfgService, func(ctx context.Context, sig *signal.Signal) {
		res := disp.Dispatch(ctx, sig)
		logger.Info().
			Str("strategy_id", sig.StrategyID).
			Str("symbol", sig.Symbol).
			Str("status", string(res.Status)).
			Str("order_id", res.OrderID).
			Str("reason", res.Reason).
			Msg("Signal dispatched")
	}, eventBus, m, cfg.EngineConfig.HedgeModeEnabled, logger)

	// Background loops.
	go locks.RunSweeper(rootCtx, time.Duration(cfg.EngineConfig.LockSweepSeconds)*time.Second)
	if cfg.EngineConfig.LeaderElection {
		pairs.SetLeader(false)
		leaderCh := locks.RunLeaderElection(rootCtx, time.Duration(cfg.EngineConfig.LeaderTTLSeconds)*time.Second)
		go func() {
			for isLeader := range leaderCh {
				pairs.SetLeader(isLeader)
			}
		}()
	}
	go pairs.Run(rootCtx)

	// Signal ingestion.
	var consumer *bus.Consumer
	if cfg.NATSConfig.Enabled {
		consumer, err = bus.Connect(cfg.NATSConfig.URL, agg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("NATS connection failed")
			return exitConfigError
		}
		if err := consumer.Start(rootCtx); err != nil {
			logger.Error().Err(err).Msg("NATS subscription failed")
			return exitConfigError
		}
	}

	ready := func() bool { return true }
	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, agg, disp, client, manager, tracker, pairs, cfgService, m, ready, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	// Wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		exitCode = exitShutdownSignal
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			exitCode = exitConfigError
		}
	}

	// Graceful shutdown: stop intake, drain in-flight dispatches, then
	// stop the monitor. In-flight venue orders are never cancelled.
	drainTimeout := time.Duration(cfg.EngineConfig.DrainTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()

	if consumer != nil {
		consumer.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	drained := make(chan struct{})
	go func() {
		agg.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info().Msg("Dispatch queue drained")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Drain grace period elapsed; abandoning in-flight dispatches")
	}

	cancel()
	logger.Info().Int("exit_code", exitCode).Msg("Trade engine stopped")
	return exitCode
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
