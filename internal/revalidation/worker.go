// Package revalidation validates drafts consumed from Redpanda and publishes
// the verdicts. Each draft payload is validated at most once; redeliveries
// republish the remembered verdict.
package revalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/validation"
	"github.com/drfirst/go-rxsafety/pkg/idempotency"
	"github.com/drfirst/go-rxsafety/pkg/workerpool"
)

const handlerName = "revalidation"

// Verdict outcomes as counted in rx_worker_verdicts_total
const (
	OutcomeValid            = "valid"
	OutcomeInvalid          = "invalid"
	OutcomeDuplicate        = "duplicate"
	OutcomePreviouslyFailed = "previously_failed"
	OutcomeDeadLetter       = "dead_letter"
)

// DraftMessage is a draft queued for revalidation
type DraftMessage struct {
	DraftID      string `json:"draft_id"`
	SubmissionID string `json:"submission_id,omitempty"`
	prescription.Draft
}

// VerdictMessage is published for every validated draft
type VerdictMessage struct {
	DraftID      string            `json:"draft_id"`
	SubmissionID string            `json:"submission_id,omitempty"`
	Valid        bool              `json:"valid"`
	Errors       validation.Result `json:"errors"`
	ValidatedAt  time.Time         `json:"validated_at"`
}

// Publisher sends records to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Config holds worker configuration
type Config struct {
	VerdictTopic    string
	DeadLetterTopic string
	Pool            workerpool.Config
}

// DefaultConfig returns defaults sized for the default consumer poll
func DefaultConfig() Config {
	pool := workerpool.DefaultConfig()
	return Config{
		VerdictTopic:    redpanda.TopicVerdicts,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Pool:            pool,
	}
}

// Deps are the worker's collaborators. Interactions and Metrics are optional.
type Deps struct {
	Engine       *validation.Engine
	Catalog      prescription.CatalogProvider
	Interactions validation.InteractionSource
	Inbox        *idempotency.Inbox
	Publisher    Publisher
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Worker fans a consumed batch out over a worker pool
type Worker struct {
	deps   Deps
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	pool   *workerpool.Pool[*redpanda.Message, processed]
}

type processed struct {
	body  json.RawMessage
	valid bool
	// skip names the outcome of a message that yields no verdict
	skip     string
	replayed bool
}

// New creates a worker. Call Start before handing batches to it.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Engine == nil || deps.Catalog == nil || deps.Inbox == nil || deps.Publisher == nil {
		return nil, errors.New("engine, catalog, inbox and publisher are required")
	}
	if cfg.VerdictTopic == "" || cfg.DeadLetterTopic == "" {
		return nil, errors.New("verdict and dead letter topics are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	w := &Worker{
		deps:   deps,
		config: cfg,
		logger: deps.Logger,
		tracer: otel.Tracer("rxsafety/revalidation"),
		now:    time.Now,
	}
	pool, err := workerpool.New(cfg.Pool, w.process, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool workers
func (w *Worker) Start() {
	w.pool.Start()
}

// Stop drains the pool
func (w *Worker) Stop(ctx context.Context) error {
	return w.pool.Stop(ctx)
}

// HandleBatch validates msgs concurrently and publishes their verdicts. It
// returns an error when any message could not be settled, leaving the batch
// uncommitted.
func (w *Worker) HandleBatch(ctx context.Context, msgs []*redpanda.Message) error {
	byID := make(map[string]*redpanda.Message, len(msgs))
	var errs []error

	submitted := 0
	for _, m := range msgs {
		if w.deps.Metrics != nil {
			w.deps.Metrics.MessagesConsumed.WithLabelValues(m.Topic).Inc()
		}
		id := messageID(m)
		byID[id] = m
		if err := w.pool.Submit(workerpool.Job[*redpanda.Message]{ID: id, Payload: m, Ctx: messageContext(ctx, m)}); err != nil {
			errs = append(errs, fmt.Errorf("submit %s: %w", id, err))
			break
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		select {
		case out, ok := <-w.pool.Outcomes():
			if !ok {
				return errors.Join(append(errs, workerpool.ErrStopped)...)
			}
			if err := w.settle(ctx, byID[out.JobID], out); err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, m *redpanda.Message) (processed, error) {
	var draft DraftMessage
	if err := json.Unmarshal(m.Value, &draft); err != nil {
		return processed{}, workerpool.Permanent(fmt.Errorf("decode draft message: %w", err))
	}

	// Only a redelivery of the same record replays. A draft sent again is a
	// new record and is checked against the catalog as it is now.
	key := idempotency.Key(handlerName, messageID(m))
	out, err := w.deps.Inbox.Process(ctx, key, handlerName, m.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return w.revalidate(ctx, draft)
	})
	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		return processed{skip: OutcomeDuplicate}, nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return processed{skip: OutcomePreviouslyFailed}, nil
	case err != nil:
		return processed{}, err
	}

	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(out.Result, &verdict); err != nil {
		return processed{}, fmt.Errorf("decode stored verdict: %w", err)
	}
	return processed{body: out.Result, valid: verdict.Valid, replayed: out.Replayed}, nil
}

func (w *Worker) revalidate(ctx context.Context, m DraftMessage) (json.RawMessage, error) {
	ctx, span := w.tracer.Start(ctx, "revalidate_draft",
		trace.WithAttributes(
			attribute.String("draft.id", m.DraftID),
			attribute.Int("draft.lines", len(m.Lines)),
		))
	defer span.End()
	start := time.Now()

	catalog, err := w.deps.Catalog.Load(ctx, m.MedicationIDs())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	engine := w.deps.Engine
	if w.deps.Interactions != nil {
		rules, err := w.deps.Interactions.InteractionRules(ctx)
		if err != nil {
			w.logger.Warn("interaction source failed, using configured table", zap.Error(err))
		} else {
			engine = engine.WithInteractions(rules)
		}
	}

	result := engine.ValidateForm(&m.Draft, catalog)
	span.SetAttributes(attribute.Bool("validation.valid", result.Valid()))
	if w.deps.Metrics != nil {
		w.deps.Metrics.ObserveValidation(metrics.SourceWorker, result, time.Since(start))
	}

	return json.Marshal(VerdictMessage{
		DraftID:      m.DraftID,
		SubmissionID: m.SubmissionID,
		Valid:        result.Valid(),
		Errors:       result,
		ValidatedAt:  w.now().UTC(),
	})
}

func (w *Worker) settle(ctx context.Context, m *redpanda.Message, out workerpool.Outcome[processed]) error {
	pctx := messageContext(ctx, m)
	switch {
	case out.Err != nil && workerpool.IsPermanent(out.Err):
		w.logger.Warn("draft message dead-lettered",
			zap.String("job_id", out.JobID),
			zap.Error(out.Err))
		if err := w.deadLetter(pctx, m, out.Err); err != nil {
			return err
		}
		w.count(OutcomeDeadLetter)
		return nil
	case out.Err != nil:
		return fmt.Errorf("revalidate %s after %d attempts: %w", out.JobID, out.Attempts, out.Err)
	case out.Value.skip != "":
		w.logger.Debug("draft message skipped", zap.String("job_id", out.JobID), zap.String("reason", out.Value.skip))
		w.count(out.Value.skip)
		return nil
	}

	headers := map[string]string{"content-type": "application/json"}
	if out.Value.replayed {
		headers["replayed"] = "true"
	}
	if err := w.publish(pctx, w.config.VerdictTopic, m.Key, out.Value.body, headers); err != nil {
		return fmt.Errorf("publish verdict for %s: %w", out.JobID, err)
	}
	if out.Value.valid {
		w.count(OutcomeValid)
	} else {
		w.count(OutcomeInvalid)
	}
	return nil
}

type deadLetter struct {
	SourceTopic string          `json:"source_topic"`
	Partition   int32           `json:"partition"`
	Offset      int64           `json:"offset"`
	Key         string          `json:"key"`
	Error       string          `json:"error"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Raw         string          `json:"raw,omitempty"`
	FailedAt    time.Time       `json:"failed_at"`
}

func (w *Worker) deadLetter(ctx context.Context, m *redpanda.Message, cause error) error {
	dl := deadLetter{
		SourceTopic: m.Topic,
		Partition:   m.Partition,
		Offset:      m.Offset,
		Key:         m.Key,
		Error:       cause.Error(),
		FailedAt:    w.now().UTC(),
	}
	if json.Valid(m.Value) {
		dl.Payload = m.Value
	} else {
		dl.Raw = string(m.Value)
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := w.publish(ctx, w.config.DeadLetterTopic, m.Key, body, map[string]string{"source-topic": m.Topic}); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, topic, key string, body []byte, headers map[string]string) error {
	if err := w.deps.Publisher.Publish(ctx, topic, key, body, headers); err != nil {
		return err
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.MessagesProduced.WithLabelValues(topic).Inc()
	}
	return nil
}

func (w *Worker) count(outcome string) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.WorkerVerdicts.WithLabelValues(outcome).Inc()
	}
}

func messageID(m *redpanda.Message) string {
	return m.Topic + "/" + strconv.Itoa(int(m.Partition)) + "/" + strconv.FormatInt(m.Offset, 10)
}

func messageContext(ctx context.Context, m *redpanda.Message) context.Context {
	if m.Ctx != nil {
		return m.Ctx
	}
	return ctx
}
