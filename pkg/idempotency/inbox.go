// Package idempotency provides an inbox for exactly-once handling of broker
// messages. Keys are deterministic hashes of the message's identifying parts,
// so a redelivered draft maps to the verdict already produced for it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrNotFound is returned by a Store for unknown keys
	ErrNotFound = errors.New("inbox entry not found")
	// ErrDuplicateMessage is returned when another handler claimed the key
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress is returned while a fresh claim is still running
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed is returned for keys that failed permanently
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Entry is an inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a STARTED entry, or re-claims a RECOVERABLE one. It
	// returns ErrDuplicateMessage when the key is held in any other status.
	Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error
	Resolve(ctx context.Context, key string, status Status, result json.RawMessage) error
}

// Sweeper is implemented by stores that can purge expired entries
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Config holds inbox configuration
type Config struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// StaleAfter is when a STARTED entry is assumed abandoned
	StaleAfter time.Duration
	// SweepInterval is how often expired entries are purged
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:           72 * time.Hour,
		StaleAfter:    2 * time.Minute,
		SweepInterval: time.Hour,
	}
}

// Inbox runs handlers at most once per key
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates an inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("rxsafety/inbox"),
		now:    time.Now,
	}
}

// Outcome reports how a key was handled
type Outcome struct {
	// Replayed is true when the stored result of an earlier run is returned
	Replayed  bool
	Recovered bool
	Result    json.RawMessage
}

// HandlerFunc processes a payload and returns the result to remember
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn once for key. Errors marked permanent (see IsPermanent)
// fail the key for good; any other error leaves it recoverable.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn HandlerFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Outcome{Replayed: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.StaleAfter {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Resolve(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.store.Claim(ctx, key, handler, payload, i.now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim key: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		errBody, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Resolve(ctx, key, status, errBody); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Resolve(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will simply run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &Outcome{Recovered: recovered, Result: result}, nil
}

// RunSweeper purges expired entries every SweepInterval until ctx is done.
// It returns immediately when the store cannot sweep.
func (i *Inbox) RunSweeper(ctx context.Context) {
	sweeper, ok := i.store.(Sweeper)
	if !ok || i.config.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(i.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.Sweep(ctx)
			if err != nil {
				i.logger.Error("inbox sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox sweep completed", zap.Int64("deleted", n))
			}
		}
	}
}

// IsPermanent reports whether err carries a Permanent() marker
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// Key derives a deterministic idempotency key from parts. Empty parts are
// kept so that ("a", "", "b") and ("a", "b", "") differ.
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
