package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// StartOffset is "earliest" or "latest" for groups without commits
	StartOffset    string
	SessionTimeout time.Duration
	MaxPollRecords int
}

// DefaultConsumerConfig returns defaults for the revalidation worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "rxsafety-revalidation",
		Topics:         []string{TopicDrafts},
		StartOffset:    "earliest",
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 256,
	}
}

// Message is a consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	// Ctx carries the producer's trace context
	Ctx context.Context
}

// BatchHandler processes every record of one poll. Offsets are committed
// only after it returns nil.
type BatchHandler func(ctx context.Context, msgs []*Message) error

// Consumer reads records in consumer-group mode with manual commits
type Consumer struct {
	client *kgo.Client
	config ConsumerConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer group and topics are required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Consumer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("rxsafety/redpanda"),
	}, nil
}

// Run polls until ctx is cancelled. A handler error stops the loop without
// committing the batch, so its records are redelivered to the next member.
func (c *Consumer) Run(ctx context.Context, handle BatchHandler) error {
	for {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}

		if err := c.handleBatch(ctx, records, handle); err != nil {
			return err
		}
	}
}

func (c *Consumer) handleBatch(ctx context.Context, records []*kgo.Record, handle BatchHandler) error {
	ctx, span := c.tracer.Start(ctx, "redpanda.consume_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(records))))
	defer span.End()

	msgs := make([]*Message, len(records))
	for i, r := range records {
		msgs[i] = toMessage(ctx, r)
	}

	if err := handle(ctx, msgs); err != nil {
		span.RecordError(err)
		return fmt.Errorf("handle batch: %w", err)
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

func toMessage(ctx context.Context, r *kgo.Record) *Message {
	m := &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		Ctx:       extractTrace(ctx, r),
	}
	for _, h := range r.Headers {
		m.Headers[h.Key] = string(h.Value)
	}
	return m
}
