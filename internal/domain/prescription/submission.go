package prescription

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents submission status
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCertified Status = "certified"
	StatusRejected  Status = "rejected"
	StatusSubmitted Status = "submitted"
)

var (
	// ErrNotCertified is returned when submitting a draft without a clean verdict
	ErrNotCertified = errors.New("draft has not been certified valid")
	// ErrAlreadySubmitted is returned for any transition after submission
	ErrAlreadySubmitted = errors.New("prescription already submitted")
)

// Verdict is the outcome of validating a draft. It is marshalled verbatim
// into rejection events.
type Verdict interface {
	Valid() bool
}

// Submission gates a draft on its way to the submission API. Only a draft
// whose latest verdict is empty can be submitted.
type Submission struct {
	id        string
	version   int
	status    Status
	draft     Draft
	createdAt time.Time
	updatedAt time.Time
	changes   []*Event
}

// NewSubmission creates a new submission aggregate
func NewSubmission(id string) *Submission {
	now := time.Now().UTC()
	return &Submission{
		id:        id,
		status:    StatusDraft,
		createdAt: now,
		updatedAt: now,
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (s *Submission) ID() string { return s.id }

// Version returns the current version
func (s *Submission) Version() int { return s.version }

// Status returns the current status
func (s *Submission) Status() Status { return s.status }

// Draft returns the draft captured by the latest certification
func (s *Submission) Draft() Draft { return s.draft }

// CreatedAt returns when the submission was opened
func (s *Submission) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns the time of the latest transition
func (s *Submission) UpdatedAt() time.Time { return s.updatedAt }

// Changes returns uncommitted events
func (s *Submission) Changes() []*Event { return s.changes }

// ClearChanges clears uncommitted events
func (s *Submission) ClearChanges() { s.changes = make([]*Event, 0) }

// Certify records the verdict for draft. A clean verdict certifies the
// draft, anything else rejects it. Re-certifying an edited draft is allowed
// until the submission is sent.
func (s *Submission) Certify(draft *Draft, verdict Verdict) error {
	if s.status == StatusSubmitted {
		return ErrAlreadySubmitted
	}
	if draft == nil || verdict == nil {
		return errors.New("draft and verdict are required")
	}

	var (
		event *Event
		err   error
	)
	if verdict.Valid() {
		event, err = NewEvent(s.id, EventDraftCertified, &DraftCertifiedData{
			SubmissionID:  s.id,
			MedicationIDs: draft.MedicationIDs(),
			LineCount:     len(draft.Lines),
			Draft:         cloneDraft(draft),
			CertifiedAt:   time.Now().UTC(),
		})
	} else {
		var raw []byte
		raw, err = json.Marshal(verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
		event, err = NewEvent(s.id, EventDraftRejected, &DraftRejectedData{
			SubmissionID: s.id,
			Errors:       raw,
			RejectedAt:   time.Now().UTC(),
		})
	}
	if err != nil {
		return err
	}
	event.WithPatient(draft.Patient)

	s.draft = cloneDraft(draft)
	s.record(event)
	return nil
}

// Void returns a certified draft to the draft state after an edit
func (s *Submission) Void(reason string) error {
	if s.status == StatusSubmitted {
		return ErrAlreadySubmitted
	}
	if s.status != StatusCertified {
		return nil
	}
	event, err := NewEvent(s.id, EventSubmissionVoided, &SubmissionVoidedData{
		SubmissionID: s.id,
		Reason:       reason,
		VoidedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.WithPatient(s.draft.Patient)
	s.record(event)
	return nil
}

// Submit hands the certified draft over to the submission API
func (s *Submission) Submit(submittedBy string) error {
	switch s.status {
	case StatusSubmitted:
		return ErrAlreadySubmitted
	case StatusCertified:
	default:
		return ErrNotCertified
	}

	event, err := NewEvent(s.id, EventDraftSubmitted, &DraftSubmittedData{
		SubmissionID: s.id,
		Draft:        s.draft,
		SubmittedBy:  submittedBy,
		SubmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	event.WithPatient(s.draft.Patient)
	s.record(event)
	return nil
}

func (s *Submission) record(event *Event) {
	s.apply(event)
	event.Version = s.version
	s.changes = append(s.changes, event)
}

// apply applies an event to update state
func (s *Submission) apply(event *Event) {
	s.version++
	s.updatedAt = event.Timestamp

	switch event.EventType {
	case EventDraftCertified:
		s.status = StatusCertified
		var data DraftCertifiedData
		if err := json.Unmarshal(event.EventData, &data); err == nil {
			s.draft = data.Draft
		}
	case EventDraftRejected:
		s.status = StatusRejected
	case EventSubmissionVoided:
		s.status = StatusDraft
	case EventDraftSubmitted:
		s.applySubmitted(event)
	}
}

func (s *Submission) applySubmitted(event *Event) {
	var data DraftSubmittedData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return
	}
	s.status = StatusSubmitted
	s.draft = data.Draft
}

// LoadFromHistory rebuilds state from events
func (s *Submission) LoadFromHistory(events []*Event) {
	for i, event := range events {
		if i == 0 {
			s.createdAt = event.Timestamp
		}
		s.apply(event)
	}
}

func cloneDraft(d *Draft) Draft {
	out := Draft{StartDate: d.StartDate}
	if d.Patient != nil {
		p := *d.Patient
		out.Patient = &p
	}
	out.Lines = append([]Line(nil), d.Lines...)
	return out
}
