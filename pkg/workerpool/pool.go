// Package workerpool runs jobs on a bounded set of goroutines with retry for
// transient failures. The revalidation worker uses it to validate drafts
// consumed from the broker.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("worker pool is stopped")
)

// Job is a unit of work
type Job[T any] struct {
	ID      string
	Payload T
	// Ctx scopes the job; the pool context is used when nil
	Ctx context.Context
}

// Outcome is the result of one job
type Outcome[R any] struct {
	JobID    string
	Value    R
	Err      error
	Attempts int
}

// Handler processes one payload
type Handler[T, R any] func(ctx context.Context, payload T) (R, error)

// Config holds pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryBackoff grows linearly with the attempt number
	RetryBackoff time.Duration
}

// DefaultConfig returns defaults sized for CPU-bound validation jobs
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		QueueSize:    1024,
		MaxRetries:   2,
		RetryBackoff: 50 * time.Millisecond,
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() error   { return e.err }
func (e permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// Pool is a bounded worker pool. Outcomes must be drained by the caller.
type Pool[T, R any] struct {
	config  Config
	handler Handler[T, R]
	logger  *zap.Logger

	jobs     chan Job[T]
	outcomes chan Outcome[R]
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	submitted int64
	succeeded int64
	failed    int64
	retried   int64
	inFlight  int64
}

// New creates a pool. Call Start to launch the workers.
func New[T, R any](cfg Config, handler Handler[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T, R]{
		config:   cfg,
		handler:  handler,
		logger:   logger,
		jobs:     make(chan Job[T], cfg.QueueSize),
		outcomes: make(chan Outcome[R], cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the workers
func (p *Pool[T, R]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues job without blocking
func (p *Pool[T, R]) Submit(job Job[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Outcomes delivers one outcome per submitted job. It is closed by Stop.
func (p *Pool[T, R]) Outcomes() <-chan Outcome[R] {
	return p.outcomes
}

// Stop stops accepting jobs, lets queued jobs finish and closes Outcomes.
// In-flight jobs are cancelled when ctx expires first.
func (p *Pool[T, R]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
		err = fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
	p.cancel()
	close(p.outcomes)
	p.logger.Info("worker pool stopped", zap.Error(err))
	return err
}

func (p *Pool[T, R]) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		atomic.AddInt64(&p.inFlight, 1)
		out := p.run(job)
		atomic.AddInt64(&p.inFlight, -1)

		if out.Err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Warn("job failed",
				zap.String("job_id", job.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", out.Attempts),
				zap.Error(out.Err))
		} else {
			atomic.AddInt64(&p.succeeded, 1)
		}
		select {
		case p.outcomes <- out:
		case <-p.ctx.Done():
			p.logger.Warn("dropping outcome after cancellation", zap.String("job_id", job.ID))
		}
	}
}

func (p *Pool[T, R]) run(job Job[T]) Outcome[R] {
	ctx := job.Ctx
	if ctx == nil {
		ctx = p.ctx
	}

	out := Outcome[R]{JobID: job.ID}
	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		v, err := p.handler(ctx, job.Payload)
		if err == nil {
			out.Value, out.Err = v, nil
			return out
		}
		out.Err = err
		if IsPermanent(err) || attempt >= p.config.MaxRetries {
			return out
		}

		atomic.AddInt64(&p.retried, 1)
		select {
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		case <-time.After(p.config.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

// Stats are point-in-time pool counters
type Stats struct {
	Submitted     int64
	Succeeded     int64
	Failed        int64
	Retried       int64
	InFlight      int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current counters
func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Succeeded:     atomic.LoadInt64(&p.succeeded),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		InFlight:      atomic.LoadInt64(&p.inFlight),
		QueueDepth:    len(p.jobs),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool[T, R]) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
