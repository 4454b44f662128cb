package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventDraftCertified   EventType = "DraftCertified"
	EventDraftRejected    EventType = "DraftRejected"
	EventDraftSubmitted   EventType = "DraftSubmitted"
	EventSubmissionVoided EventType = "SubmissionVoided"
)

const aggregateTypeSubmission = "PrescriptionSubmission"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	AdmissionID   string          `json:"admission_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateTypeSubmission,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithPatient sets the patient audit fields
func (e *Event) WithPatient(p *Patient) *Event {
	if p != nil {
		e.PatientID = p.ID
		e.AdmissionID = p.AdmissionID
	}
	return e
}

// DraftCertifiedData is recorded when a draft passed validation
type DraftCertifiedData struct {
	SubmissionID  string    `json:"submission_id"`
	MedicationIDs []string  `json:"medication_ids"`
	LineCount     int       `json:"line_count"`
	Draft         Draft     `json:"draft"`
	CertifiedAt   time.Time `json:"certified_at"`
}

// DraftRejectedData is recorded when a draft failed validation
type DraftRejectedData struct {
	SubmissionID string          `json:"submission_id"`
	Errors       json.RawMessage `json:"errors"`
	RejectedAt   time.Time       `json:"rejected_at"`
}

// DraftSubmittedData carries the certified draft downstream
type DraftSubmittedData struct {
	SubmissionID string    `json:"submission_id"`
	Draft        Draft     `json:"draft"`
	SubmittedBy  string    `json:"submitted_by,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// SubmissionVoidedData records a draft edited after certification
type SubmissionVoidedData struct {
	SubmissionID string    `json:"submission_id"`
	Reason       string    `json:"reason"`
	VoidedAt     time.Time `json:"voided_at"`
}
