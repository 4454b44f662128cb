package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

var (
	// ErrSubmissionNotFound is returned when no events exist for an ID
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrConcurrentModification is returned when the stored version moved on
	ErrConcurrentModification = errors.New("submission was modified concurrently")
)

// SubmissionStore persists submission aggregates as an event history and
// enqueues every new event on the outbox in the same transaction
type SubmissionStore struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewSubmissionStore creates a store whose events are relayed to topic
func NewSubmissionStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *SubmissionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionStore{pool: pool, topic: topic, logger: logger}
}

// Save appends the uncommitted events of s
func (st *SubmissionStore) Save(ctx context.Context, s *prescription.Submission) error {
	changes := s.Changes()
	if len(changes) == 0 {
		return nil
	}
	expected := s.Version() - len(changes)

	msgs := make([]OutboxMessage, 0, len(changes))
	for _, e := range changes {
		m, err := EventMessage(st.topic, e)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	err := pgx.BeginFunc(ctx, st.pool, func(tx pgx.Tx) error {
		if err := st.upsert(ctx, tx, s, expected); err != nil {
			return err
		}
		for _, e := range changes {
			if err := appendEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return Enqueue(ctx, tx, msgs...)
	})
	if err != nil {
		return err
	}

	st.logger.Info("submission saved",
		zap.String("submission_id", s.ID()),
		zap.String("status", string(s.Status())),
		zap.Int("version", s.Version()),
		zap.Int("events", len(changes)))
	s.ClearChanges()
	return nil
}

func (st *SubmissionStore) upsert(ctx context.Context, tx pgx.Tx, s *prescription.Submission, expected int) error {
	var patientID, admissionID *string
	if p := s.Draft().Patient; p != nil {
		patientID, admissionID = &p.ID, &p.AdmissionID
	}

	query := `
		INSERT INTO prescription_submissions (id, status, version, patient_id, admission_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = $2, version = $3, patient_id = $4, admission_id = $5, updated_at = $7
		WHERE prescription_submissions.version = $8
	`
	tag, err := tx.Exec(ctx, query, s.ID(), string(s.Status()), s.Version(),
		patientID, admissionID, s.CreatedAt(), s.UpdatedAt(), expected)
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *prescription.Event) error {
	query := `
		INSERT INTO submission_events
			(id, aggregate_id, event_type, event_data, version, patient_id, admission_id, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
	`
	_, err := tx.Exec(ctx, query, e.ID, e.AggregateID, string(e.EventType), e.EventData,
		e.Version, e.PatientID, e.AdmissionID, e.CorrelationID, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Load rebuilds a submission from its stored events
func (st *SubmissionStore) Load(ctx context.Context, id string) (*prescription.Submission, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version,
		       COALESCE(patient_id, ''), COALESCE(admission_id, ''), COALESCE(correlation_id, ''), occurred_at
		FROM submission_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`
	rows, err := st.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	defer rows.Close()

	var events []*prescription.Event
	for rows.Next() {
		e := &prescription.Event{}
		var eventType string
		if err := rows.Scan(&e.ID, &e.AggregateID, &eventType, &e.EventData, &e.Version,
			&e.PatientID, &e.AdmissionID, &e.CorrelationID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = prescription.EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrSubmissionNotFound
	}

	s := prescription.NewSubmission(id)
	s.LoadFromHistory(events)
	return s, nil
}
