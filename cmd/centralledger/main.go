package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CentralLedger/internal/cache"
	"CentralLedger/internal/config"
	"CentralLedger/internal/core"
	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/pipeline"
	"CentralLedger/internal/projection"
	"CentralLedger/internal/query"
	"CentralLedger/internal/reconciliation"
	"CentralLedger/internal/server"
	"CentralLedger/internal/timeout"
	"CentralLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// duplicateWarmLimit is how many recent records per kind are loaded into the
// duplicate-check LRU at start.
const duplicateWarmLimit = 10_000

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	logger = observability.NewLoggerWithLevel("main", level)
	logger.Info().Str("hub", cfg.HubName).Msg("CentralLedger starting")

	fxInvalid, err := cfg.FxFulfilInvalid()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres (pipeline stores) ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMaxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	if cfg.AutoMigrate {
		if err := persistence.NewMigrator(db, migrations.FS).Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	// --- Postgres (admin store) ---
	pool, err := reconciliation.Connect(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns/2))
	if err != nil {
		logger.Fatal().Err(err).Msg("pgx connect")
	}
	defer pool.Close()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddProbe("postgres", db.PingContext)

	// --- Participant cache ---
	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect")
	}
	var remote redis.UniversalClient
	if redisClient != nil {
		remote = redisClient
		healthChecker.AddProbe("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
		logger.Info().Msg("Redis connected")
	}
	positions := persistence.NewPositionStore(db)
	participants := cache.New(positions, remote, "cl:participant", cfg.CacheTTL, metrics)
	defer participants.Close()

	// --- Stores ---
	transfers := persistence.NewTransferStore(db)
	duplicateStore := persistence.NewPostgresDuplicateStore(db, cfg.DuplicateStoreTimeout)
	outbox := persistence.NewOutboxStore(db)
	var binWriter *persistence.BinWriter
	if cfg.OutboxEnabled {
		binWriter = persistence.NewBinWriter(outbox)
	} else {
		binWriter = persistence.NewBinWriter(nil)
	}
	flusher := persistence.NewBinFlusher(db, binWriter, cfg.FlushAttempts, metrics)
	snapshots := persistence.NewSnapshotLoader(db)

	// --- Duplicate check ---
	dedup, err := core.NewDuplicateChecker(cfg.DuplicateLRUCapacity, duplicateStore, core.PayloadDigest, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("duplicate checker")
	}
	warmDuplicates(ctx, logger, dedup, duplicateStore)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	// --- Publishers ---
	natsPub := ingestion.NewNATSPublisher(js)
	var publisher ingestion.MessagePublisher = natsPub
	if cfg.NotificationTransport == config.TransportAMQP {
		amqpPub, err := ingestion.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("amqp connect")
		}
		defer amqpPub.Close()
		publisher = ingestion.SplitPublisher{Log: natsPub, Notifications: amqpPub}
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("notifications go to AMQP")
	}

	outboundChan := make(chan ingestion.OutboundBatch, cfg.OutboundChanSize)
	outboundPublisher := ingestion.NewOutboundPublisher(publisher, cfg.NotificationTransport, outboundChan, metrics)

	// --- Pipeline ---
	transferRouter := pipeline.NewRouter("transfer", cfg.TransferPartitions, cfg.PartitionChanSize, nil, metrics)
	positionRouter := pipeline.NewRouter("position", cfg.PositionPartitions, cfg.PartitionChanSize, nil, metrics)

	transferHandler := pipeline.NewTransferHandler(cfg.HubName, dedup, transfers, participants, metrics)
	binProcessor := core.NewBinProcessor(core.BinConfig{HubName: cfg.HubName, FxFulfilInvalidState: fxInvalid}, metrics)

	natsSubscriber := ingestion.NewNATSSubscriber(js)

	// --- Admin, query, timeouts ---
	reconciler := reconciliation.NewService(reconciliation.NewPgStore(pool), participants, reconciliation.Config{
		Hub:              cfg.HubName,
		TransferValidity: cfg.InternalTransferValidity(),
	}, metrics)
	queryService := query.NewQueryService(transfers, positions, metrics)

	sweeper := timeout.NewSweeper(transfers, ingestion.NewInjector(natsPub, cfg.HubName), timeout.Config{
		Schedule:   cfg.TimeoutSchedule,
		BatchSize:  cfg.TimeoutBatchSize,
		RetryAfter: cfg.TimeoutRetryAfter,
	}, metrics)

	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Reconciliation: reconciler,
		Query:          queryService,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	var workers sync.WaitGroup
	spawn := func(name string, run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errChan <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	// 1. Transfer workers, one per partition
	for i, in := range transferRouter.Partitions() {
		w := pipeline.NewTransferWorker(i, in, transferHandler, outboundChan, cfg.HubName, metrics)
		spawn("transfer worker", w.Run)
	}

	// 2. Position workers, one per partition
	for i, in := range positionRouter.Partitions() {
		w := pipeline.NewPositionWorker(i, in, binProcessor, snapshots, participants, flusher, outboundChan,
			pipeline.PositionWorkerConfig{
				Hub:          cfg.HubName,
				BatchSize:    cfg.PositionBatchSize,
				BatchTimeout: cfg.PositionBatchTimeout,
				Outbox:       cfg.OutboxEnabled,
			}, metrics)
		spawn("position worker", w.Run)
	}

	// 3. Outbound publisher
	spawn("outbound publisher", outboundPublisher.Run)

	// 4. Outbox relay
	if cfg.OutboxEnabled {
		relay := projection.NewOutboxRelay(outbox, publisher, cfg.NotificationTransport, cfg.OutboxPollInterval, cfg.OutboxBatchSize, metrics)
		spawn("outbox relay", relay.Run)
	}

	// 5. Timeout sweeper
	spawn("timeout sweeper", sweeper.Run)

	// 6. gRPC server
	spawn("grpc server", grpcServer.StartGRPC)

	// 7. HTTP gateway
	spawn("http gateway", grpcServer.StartHTTPGateway)

	// 8. Prometheus metrics server
	spawn("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, logger, cfg.MetricsAddr)
	})

	// 9. NATS consumers feed the routers; started last so every partition
	// already has a worker.
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects(transferRouter.Route, positionRouter.Route)); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("outbox", cfg.OutboxEnabled).
		Msg("CentralLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Consumers stop first so nothing new enters the routers; unacked
	// deliveries are redelivered to the next instance.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not stop in time")
	}

	logger.Info().Msg("CentralLedger shutdown complete")
}

// warmDuplicates preloads recent duplicate-check records so a restart does
// not send every resend to the store.
func warmDuplicates(ctx context.Context, logger zerolog.Logger, dedup *core.DuplicateChecker, store *persistence.PostgresDuplicateStore) {
	kinds := []core.DuplicateKind{
		core.DuplicateTransfer, core.DuplicateTransferFulfilment, core.DuplicateTransferError,
		core.DuplicateFxTransfer, core.DuplicateFxTransferFulfil, core.DuplicateFxTransferError,
	}
	for _, kind := range kinds {
		records, err := store.Recent(ctx, kind, duplicateWarmLimit)
		if err != nil {
			logger.Warn().Err(err).Str("kind", string(kind)).Msg("warm duplicate cache")
			continue
		}
		dedup.Warm(kind, records)
	}
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, addr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
