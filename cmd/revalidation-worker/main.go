// Package main provides the revalidation worker entry point.
// Consumes prescription drafts and publishes validation verdicts.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/interactions"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/observability/tracing"
	"github.com/drfirst/go-rxsafety/internal/revalidation"
	"github.com/drfirst/go-rxsafety/internal/validation"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
	"github.com/drfirst/go-rxsafety/pkg/idempotency"
	"github.com/drfirst/go-rxsafety/pkg/workerpool"
)

const serviceName = "revalidation-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New()
	go serveMetrics(ctx, cfg.Port, m, logger)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	ruleset := validation.DefaultRuleset()
	if cfg.RulesFile != "" {
		if ruleset, err = validation.LoadRulesetFile(cfg.RulesFile, ruleset); err != nil {
			logger.Fatal("failed to load rules file", zap.Error(err))
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.TTL = cfg.InboxTTL
	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), inboxCfg, logger)
	go inbox.RunSweeper(ctx)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumerCfg.GroupID = cfg.ConsumerGroup

	workerCfg := revalidation.DefaultConfig()
	workerCfg.Pool = workerpool.Config{
		Workers:      cfg.WorkerCount,
		QueueSize:    max(cfg.WorkerQueueSize, consumerCfg.MaxPollRecords),
		MaxRetries:   cfg.WorkerMaxRetries,
		RetryBackoff: workerpool.DefaultConfig().RetryBackoff,
	}

	deps := revalidation.Deps{
		Engine:    validation.New(validation.WithRuleset(ruleset), validation.WithLogger(logger)),
		Catalog:   prescription.NewCatalogRepository(pool, logger),
		Inbox:     inbox,
		Publisher: producer,
		Metrics:   m,
		Logger:    logger,
	}
	if cfg.InteractionServiceURL != "" {
		source, err := interactionSource(cfg, ruleset, m, logger)
		if err != nil {
			logger.Fatal("interaction source creation failed", zap.Error(err))
		}
		deps.Interactions = source
		logger.Info("using interaction service", zap.String("url", cfg.InteractionServiceURL))
	}

	worker, err := revalidation.New(workerCfg, deps)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	worker.Start()

	consumer, err := redpanda.NewConsumer(consumerCfg, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	logger.Info("revalidation worker started",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", workerCfg.Pool.Workers))

	runErr := consumer.Run(ctx, worker.HandleBatch)
	if runErr != nil {
		logger.Error("consumer stopped", zap.Error(runErr))
	}

	logger.Info("shutting down")
	consumer.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := worker.Stop(stopCtx); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	logger.Info("revalidation worker stopped")

	if runErr != nil {
		logger.Fatal("exiting after consumer failure", zap.Error(runErr))
	}
}

func serveMetrics(ctx context.Context, port string, m *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: ":" + port, Handler: mux, ReadTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", zap.Error(err))
	}
}

// interactionSource guards the interaction service with a breaker that falls
// back to the ruleset's table, the same way the validation API does
func interactionSource(cfg *config.Config, ruleset validation.Ruleset, m *metrics.Metrics, logger *zap.Logger) (validation.InteractionSource, error) {
	bcfg := circuitbreaker.DefaultConfig("interaction-service")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, err
	}

	icfg := interactions.DefaultConfig(cfg.InteractionServiceURL)
	icfg.APIKey = cfg.InteractionServiceAPIKey
	icfg.CacheTTL = cfg.InteractionCacheTTL
	source, err := interactions.NewRemoteSource(icfg, breaker, logger,
		interactions.WithFallback(validation.StaticInteractions(ruleset.Interactions)),
		interactions.WithOnFallback(func(error) { m.InteractionFallbacks.Inc() }),
	)
	if err != nil {
		return nil, err
	}
	return source, nil
}
