// Command server runs the ingestd gateway.
//
// # Usage
//
//	server --config /etc/ingestd/config.yaml --port 8080
//
// # Configuration
//
// The gateway can be configured via:
// - A YAML configuration file (--config)
// - Environment variables (INGEST_*)
// - Command-line flags (highest precedence)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/edgeflow/ingestd/db/migrate"
	"github.com/edgeflow/ingestd/internal/auth"
	"github.com/edgeflow/ingestd/internal/bus"
	"github.com/edgeflow/ingestd/internal/classify"
	"github.com/edgeflow/ingestd/internal/config"
	"github.com/edgeflow/ingestd/internal/dedup"
	"github.com/edgeflow/ingestd/internal/dlq"
	"github.com/edgeflow/ingestd/internal/metrics"
	"github.com/edgeflow/ingestd/internal/pipeline"
	"github.com/edgeflow/ingestd/internal/repository"
	"github.com/edgeflow/ingestd/internal/resilience"
	"github.com/edgeflow/ingestd/internal/router"
	"github.com/edgeflow/ingestd/internal/secrets"
	"github.com/edgeflow/ingestd/internal/state"
	"github.com/edgeflow/ingestd/internal/storage"
	"github.com/edgeflow/ingestd/internal/transport/csvupload"
	"github.com/edgeflow/ingestd/internal/transport/httpapi"
	"github.com/edgeflow/ingestd/internal/transport/mqtt"
	"github.com/edgeflow/ingestd/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("ingestd v0.3.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Secrets fill in credentials the config left blank.
	secretStore, err := secrets.NewStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("secrets backend: %w", err)
	}
	defer secretStore.Close()
	fillSecrets(ctx, cfg, secretStore, logger)

	// Storage backends.
	if cfg.LegacyDB.DSN() == "" {
		return fmt.Errorf("legacy database is not configured (INGEST_LEGACY_DB_HOST)")
	}
	if cfg.GenericDBURL == "" {
		return fmt.Errorf("generic database is not configured (INGEST_GENERIC_DB_URL)")
	}

	legacy, err := storage.NewLegacyStoreFromURL(ctx, cfg.LegacyDB.DSN())
	if err != nil {
		return fmt.Errorf("connecting to legacy database: %w", err)
	}
	defer legacy.Close()

	genericPool, err := pgxpool.New(ctx, cfg.GenericDBURL)
	if err != nil {
		return fmt.Errorf("connecting to generic database: %w", err)
	}
	defer genericPool.Close()
	if err := migrate.Run(ctx, genericPool, logger); err != nil {
		return fmt.Errorf("migrating generic schema: %w", err)
	}
	generic := storage.NewGenericStore(genericPool)
	logger.Info("connected to storage backends")

	store := storage.NewRouter(legacy, generic)

	// Redis backs dedup, the DLQ, and the prediction bus.
	if cfg.RedisURL == "" {
		return fmt.Errorf("redis is not configured (INGEST_REDIS_URL)")
	}
	redisClient, err := newRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	busClient := redisClient
	if cfg.BusURL != "" && cfg.BusURL != cfg.RedisURL {
		busClient, err = newRedisClient(ctx, cfg.BusURL)
		if err != nil {
			return fmt.Errorf("connecting to bus redis: %w", err)
		}
		defer busClient.Close()
	}
	logger.Info("connected to redis")

	m := metrics.New()
	host := metrics.NewHealthCollector()

	deduper := dedup.New(redisClient, cfg.Tuning.DedupTTL, logger)
	deadLetters := dlq.New(redisClient, cfg.Tuning.DLQMaxLen, logger)

	// Breakers guard the two backends and the bus; transitions feed the
	// breaker-state gauge.
	onBreakerChange := func(name string, _, to resilience.BreakerState) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	}
	legacyBreaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "legacy_db",
		FailureThreshold: cfg.Tuning.BreakerThreshold,
		OpenDuration:     cfg.Tuning.BreakerOpenDuration,
		OnStateChange:    onBreakerChange,
	}, logger)
	genericBreaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "generic_db",
		FailureThreshold: cfg.Tuning.BreakerThreshold,
		OpenDuration:     cfg.Tuning.BreakerOpenDuration,
		OnStateChange:    onBreakerChange,
	}, logger)
	busBreaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "prediction_bus",
		FailureThreshold: cfg.Tuning.BreakerThreshold,
		OpenDuration:     cfg.Tuning.BreakerOpenDuration,
		OnStateChange:    onBreakerChange,
	}, logger)

	// Prediction bus: redis pub/sub behind the breaker, throttled per
	// series.
	publisher := bus.NewThrottled(
		bus.NewGuarded(bus.NewRedisPublisher(busClient, config.DefaultBusChannel), busBreaker),
		cfg.Tuning.BusMinInterval, logger)

	repo := repository.New(store, store, repository.Options{
		TTL:            cfg.Tuning.CacheTTL,
		Capacity:       config.DefaultCacheCapacity,
		WarmupReadings: cfg.Tuning.WarmupReadings,
	}, logger)

	machine := state.NewMachine(repo, logger)

	sweeper := state.NewSweeper(store, cfg.Tuning.StaleTimeout, config.DefaultSweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	rtr := router.New(router.Deps{
		Dedup:          deduper,
		DLQ:            deadLetters,
		Repo:           repo,
		Classifier:     classify.New(),
		Machine:        machine,
		Store:          store,
		Alerts:         pipeline.NewAlertPipeline(store, logger),
		Warnings:       pipeline.NewWarningPipeline(store, logger),
		Predictions:    pipeline.NewPredictionPipeline(store, publisher, logger),
		LegacyBreaker:  legacyBreaker,
		GenericBreaker: genericBreaker,
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Tuning.RetryMaxAttempts,
			BaseDelay:   cfg.Tuning.RetryBaseDelay,
			MaxDelay:    config.DefaultRetryMaxDelay,
		},
		Metrics: m,
		Logger:  logger,
	})

	consumer := dlq.NewConsumer(deadLetters, rtr, dlq.ConsumerConfig{
		Interval:   config.DefaultDLQReplayInterval,
		BatchSize:  config.DefaultDLQReplayBatchSize,
		MaxReplays: config.DefaultDLQMaxReplays,
		DedupTTL:   cfg.Tuning.DedupTTL,
	}, logger)
	consumer.Start()
	defer consumer.Stop()

	resolver := storage.NewSensorResolver(legacy, cfg.Tuning.CacheTTL, logger)
	verifier := auth.NewVerifier(legacy, auth.Config{
		Enforce: cfg.Features.DeviceAuth,
	}, logger)

	var csvManager *csvupload.Manager
	if cfg.Features.CSVIngest {
		csvManager = csvupload.NewManager(rtr, config.CSVChunkSize, logger)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Router:      rtr,
		Resolver:    resolver,
		Verifier:    verifier,
		CSV:         csvManager,
		Backends:    store,
		RouterSts:   rtr,
		Dedup:       deduper,
		DLQ:         deadLetters,
		Breakers:    []*resilience.Breaker{legacyBreaker, genericBreaker, busBreaker},
		Bus:         publisher,
		Metrics:     m,
		Host:        host,
		MaxInFlight: config.HTTPMaxInFlight,
		Logger:      logger,
	})

	var wsHandler *ws.Handler
	if cfg.Features.WebSocketIngest {
		wsHandler = ws.NewHandler(ws.Options{
			MaxInFlight: config.WSMaxInFlight,
		}, rtr, resolver, verifier, logger)
		wsHandler.Register(api.Mux())
	}

	var mqttAdapter *mqtt.Adapter
	if cfg.Features.MQTTIngest {
		// The modular flag turns on the worker pool; without it a single
		// goroutine drains the queue, matching the older serial consumer.
		workers := 1
		if cfg.Features.MQTTModular {
			workers = config.MQTTWorkerCount
		}
		mqttAdapter = mqtt.New(mqtt.Options{
			BrokerURL:        cfg.MQTT.BrokerURL(),
			ClientID:         fmt.Sprintf("ingestd-%d", os.Getpid()),
			Username:         cfg.MQTT.Username,
			Password:         cfg.MQTT.Password,
			QueueCapacity:    config.MQTTQueueCapacity,
			Workers:          workers,
			SubscribeGeneric: cfg.Features.MQTTGeneric,
		}, rtr, logger)
		if err := mqttAdapter.Start(ctx); err != nil {
			return fmt.Errorf("starting mqtt adapter: %w", err)
		}
	}

	// Serve HTTP until a shutdown signal arrives.
	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Serve(fmt.Sprintf(":%d", cfg.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown: stop accepting, drain transports, then let the
	// deferred Stop/Close calls unwind the core.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if mqttAdapter != nil {
		mqttAdapter.Stop()
	}
	if wsHandler != nil {
		wsHandler.Close()
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if csvManager != nil {
		csvManager.Wait()
	}

	logger.Info("shutdown complete")
	return nil
}

// fillSecrets resolves credentials the config left blank. A missing secret
// is not fatal; the connection attempt will surface the real failure.
func fillSecrets(ctx context.Context, cfg *config.Config, store secrets.Store, logger *slog.Logger) {
	if cfg.LegacyDB.Password == "" {
		if v, err := store.Get(ctx, secrets.SecretLegacyDBPassword); err == nil {
			cfg.LegacyDB.Password = v
		} else {
			logger.Debug("legacy db password not in secrets store", "error", err)
		}
	}
	if cfg.MQTT.Password == "" {
		if v, err := store.Get(ctx, secrets.SecretMQTTPassword); err == nil {
			cfg.MQTT.Password = v
		} else {
			logger.Debug("mqtt password not in secrets store", "error", err)
		}
	}
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
