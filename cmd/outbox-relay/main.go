// Package main provides the outbox relay service entry point.
// Publishes submission events written by the validation API to Redpanda.
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
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/observability/tracing"
)

const (
	serviceName   = "outbox-relay"
	statsInterval = 30 * time.Second
)

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

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
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
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers))

	m := metrics.New()
	relay := postgres.NewRelay(pool, &countingPublisher{producer: producer, metrics: m}, postgres.RelayConfig{
		BatchSize:       cfg.OutboxBatchSize,
		PollInterval:    cfg.OutboxPollInterval,
		MaxAttempts:     cfg.OutboxMaxAttempts,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}, logger)

	go serveMetrics(ctx, cfg.Port, m, logger)
	go housekeeping(ctx, relay, cfg.OutboxRetention, m, logger)

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// countingPublisher counts produced records per topic
type countingPublisher struct {
	producer *redpanda.Producer
	metrics  *metrics.Metrics
}

func (p *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := p.producer.Publish(ctx, topic, key, value, headers); err != nil {
		return err
	}
	p.metrics.MessagesProduced.WithLabelValues(topic).Inc()
	return nil
}

// housekeeping refreshes the backlog gauge and purges relayed rows
func housekeeping(ctx context.Context, relay *postgres.Relay, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := relay.Stats(ctx)
		if err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
		} else {
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.DeadLettered > 0 {
				logger.Warn("outbox has dead-lettered messages", zap.Int64("count", stats.DeadLettered))
			}
		}

		if retention > 0 {
			n, err := relay.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
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
