package redpanda

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Linger   time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or empty for none
	Compression   string
	RecordRetries int
	// Acks is "all" (default) or "leader"
	Acks string
}

// DefaultProducerConfig returns durable defaults
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "rxsafety",
		Linger:        10 * time.Millisecond,
		Compression:   "lz4",
		RecordRetries: 5,
		Acks:          "all",
	}
}

// Producer publishes records synchronously
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.RecordRetries),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Acks == "leader" {
		// idempotent writes require all-ISR acks
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("rxsafety/redpanda"),
	}, nil
}

// Publish writes one record and waits for the broker acknowledgement
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := NewRecord(topic, key, value, headers)
	injectTrace(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		p.logger.Error("failed to publish record",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.Debug("record published",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Close flushes buffered records and closes the client
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

// NewRecord builds a record with headers in a stable order
func NewRecord(topic, key string, value []byte, headers map[string]string) *kgo.Record {
	r := &kgo.Record{Topic: topic, Value: value}
	if key != "" {
		r.Key = []byte(key)
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	return r
}
