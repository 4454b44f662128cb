// Package circuitbreaker guards calls to reference-data dependencies (the
// drug-interaction service, the catalog database). It wraps sony/gobreaker
// with OpenTelemetry spans and counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrRejected is returned when the breaker refuses a call without running it
var ErrRejected = errors.New("circuit breaker rejected call")

// Config holds breaker configuration
type Config struct {
	Name string
	// MaxRequests allowed through while half-open
	MaxRequests uint32
	// Interval clears counts while closed (0 never clears)
	Interval time.Duration
	// Timeout is the open period before probing again
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker regardless of volume
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were seen
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange is notified after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a lookup dependency on the validation path
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         2,
		Interval:            30 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 3,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// Breaker wraps gobreaker with tracing and call accounting
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
	notify func(name string, to State)

	mu    sync.RWMutex
	state State
}

// New creates a breaker
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}

	calls, err := otel.Meter("rxsafety/circuitbreaker").Int64Counter("dependency_breaker_calls_total",
		metric.WithDescription("Calls through a dependency breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("rxsafety/circuitbreaker"),
		calls:  calls,
		notify: cfg.OnStateChange,
		state:  StateClosed,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the dependency
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b, nil
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// Call runs fn through the breaker. Calls refused by an open breaker return
// an error wrapping ErrRejected.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "breaker.call",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("circuit_open", true))
		err = fmt.Errorf("%w: %s: %v", ErrRejected, b.name, err)
	default:
		outcome = "failure"
	}
	b.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", b.name),
		attribute.String("outcome", outcome)))

	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Do runs fn through b and returns its value
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// DoWithFallback runs fn through b and hands any failure, rejected or not,
// to fallback.
func DoWithFallback[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	v, err := Do(ctx, b, fn)
	if err == nil {
		return v, nil
	}
	b.logger.Warn("dependency call failed, using fallback",
		zap.String("breaker", b.name),
		zap.Bool("rejected", errors.Is(err, ErrRejected)),
		zap.Error(err))
	return fallback(err)
}

// IsRejected reports whether err came from an open breaker
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Health summarizes the breaker for readiness probes
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health returns the current health summary
func (b *Breaker) Health() Health {
	counts := b.cb.Counts()
	state := b.State()
	return Health{
		Name:     b.name,
		State:    state,
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
		Healthy:  state != StateOpen,
	}
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	b.state = mapState(to)
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
	if b.notify != nil {
		b.notify(b.name, mapState(to))
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
