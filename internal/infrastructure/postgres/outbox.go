// Package postgres persists submissions and relays their events through a
// transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

// OutboxMessage is one event waiting to be published
type OutboxMessage struct {
	ID          int64
	AggregateID string
	EventType   string
	Topic       string
	Key         string
	Payload     json.RawMessage
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
}

// Headers returns the record headers published with the message
func (m OutboxMessage) Headers() map[string]string {
	return map[string]string{
		"event-type":   m.EventType,
		"aggregate-id": m.AggregateID,
		"outbox-id":    strconv.FormatInt(m.ID, 10),
		"content-type": "application/json",
	}
}

// EventMessage wraps a domain event for topic, keyed by its aggregate so
// one submission's events stay ordered on a partition
func EventMessage(topic string, event *prescription.Event) (OutboxMessage, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	return OutboxMessage{
		AggregateID: event.AggregateID,
		EventType:   string(event.EventType),
		Topic:       topic,
		Key:         event.AggregateID,
		Payload:     payload,
	}, nil
}

// Enqueue writes messages inside tx. Call it in the same transaction as the
// state change the messages describe.
func Enqueue(ctx context.Context, tx pgx.Tx, msgs ...OutboxMessage) error {
	query := `
		INSERT INTO outbox (aggregate_id, event_type, topic, message_key, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, m := range msgs {
		if _, err := tx.Exec(ctx, query, m.AggregateID, m.EventType, m.Topic, m.Key, m.Payload); err != nil {
			return fmt.Errorf("failed to write outbox entry: %w", err)
		}
	}
	return nil
}

// Publisher sends one record to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts is the number of failed publishes before a message is
	// dead-lettered
	MaxAttempts     int
	DeadLetterTopic string
}

// DefaultRelayConfig returns defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxAttempts:     5,
		DeadLetterTopic: "dead.letter",
	}
}

// Relay publishes pending outbox messages
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	config    RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRelay creates a relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultRelayConfig().DeadLetterTopic
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("rxsafety/outbox"),
	}
}

// Run polls the outbox until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending messages and reports how many
// were resolved. Rows stay locked for the transaction so concurrent relays
// skip them.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	resolved := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		msgs, err := r.fetchPending(ctx, tx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("outbox.batch_size", len(msgs)))

		for _, m := range msgs {
			ok, err := r.relay(ctx, tx, m)
			if err != nil {
				return err
			}
			if ok {
				resolved++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return resolved, fmt.Errorf("relay outbox: %w", err)
	}
	return resolved, nil
}

func (r *Relay) fetchPending(ctx context.Context, tx pgx.Tx) ([]OutboxMessage, error) {
	query := `
		SELECT id, aggregate_id, event_type, topic, message_key, payload,
		       attempts, last_error, created_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.Topic, &m.Key,
			&m.Payload, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// relay publishes m, or dead-letters it once attempts are exhausted. A
// publish failure is recorded on the row and is not an error of the batch.
func (r *Relay) relay(ctx context.Context, tx pgx.Tx, m OutboxMessage) (bool, error) {
	if r.config.MaxAttempts > 0 && m.Attempts >= r.config.MaxAttempts {
		return r.deadLetter(ctx, tx, m)
	}

	if err := r.publisher.Publish(ctx, m.Topic, m.Key, m.Payload, m.Headers()); err != nil {
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", m.ID),
			zap.String("event_type", m.EventType),
			zap.Int("attempts", m.Attempts+1),
			zap.Error(err))
		_, uerr := tx.Exec(ctx,
			`UPDATE outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2`,
			err.Error(), m.ID)
		return false, uerr
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, m.ID); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	r.logger.Debug("outbox entry published",
		zap.Int64("id", m.ID),
		zap.String("topic", m.Topic))
	return true, nil
}

func (r *Relay) deadLetter(ctx context.Context, tx pgx.Tx, m OutboxMessage) (bool, error) {
	payload, err := deadLetterPayload(m)
	if err != nil {
		return false, err
	}
	if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, m.Key, payload, m.Headers()); err != nil {
		r.logger.Error("failed to publish to dead letter", zap.Int64("id", m.ID), zap.Error(err))
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), dead_letter = TRUE WHERE id = $1`, m.ID); err != nil {
		return false, fmt.Errorf("mark dead-lettered: %w", err)
	}
	r.logger.Warn("outbox entry dead-lettered",
		zap.Int64("id", m.ID),
		zap.String("event_type", m.EventType),
		zap.Int("attempts", m.Attempts))
	return true, nil
}

type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	OutboxID      int64           `json:"outbox_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func deadLetterPayload(m OutboxMessage) ([]byte, error) {
	dl := deadLetter{
		OriginalTopic: m.Topic,
		OutboxID:      m.ID,
		EventType:     m.EventType,
		AggregateID:   m.AggregateID,
		Payload:       m.Payload,
		Attempts:      m.Attempts,
		CreatedAt:     m.CreatedAt,
	}
	if m.LastError != nil {
		dl.LastError = *m.LastError
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return b, nil
}

// Cleanup removes processed messages older than retention
func (r *Relay) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox backlog
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	DeadLettered  int64      `json:"dead_lettered"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE dead_letter),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	if err := r.pool.QueryRow(ctx, query).Scan(&stats.Pending, &stats.DeadLettered, &stats.OldestPending); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
