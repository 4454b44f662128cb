package r5

import (
	"strings"
	"time"
)

// MedicationRequest is an order for one medication
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status   string `json:"status"`
	Intent   string `json:"intent"`
	Priority string `json:"priority,omitempty"` // routine | urgent | asap | stat

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	Encounter  *Reference        `json:"encounter,omitempty"`
	AuthoredOn *time.Time        `json:"authoredOn,omitempty"`
	Requester  *Reference        `json:"requester,omitempty"`

	Note                      []Annotation     `json:"note,omitempty"`
	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest describes what to supply
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
}

// Dosage is one dosage instruction
type Dosage struct {
	Sequence              int               `json:"sequence,omitempty"`
	Text                  string            `json:"text,omitempty"`
	AdditionalInstruction []CodeableConcept `json:"additionalInstruction,omitempty"`
	PatientInstruction    string            `json:"patientInstruction,omitempty"`
	Timing                *Timing           `json:"timing,omitempty"`
	AsNeeded              bool              `json:"asNeeded,omitempty"`
	Route                 *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate           []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate carries the amount per administration
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing describes when a dose is taken
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat is a repeating schedule
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	When         []string `json:"when,omitempty"`
}

// PatientID returns the subject's logical ID
func (m *MedicationRequest) PatientID() string {
	return m.Subject.ID()
}

// FirstDosage returns the first dosage instruction, or nil
func (m *MedicationRequest) FirstDosage() *Dosage {
	if len(m.DosageInstruction) == 0 {
		return nil
	}
	return &m.DosageInstruction[0]
}

// DoseQuantity returns the first dose quantity, or nil
func (m *MedicationRequest) DoseQuantity() *Quantity {
	d := m.FirstDosage()
	if d == nil {
		return nil
	}
	for _, dr := range d.DoseAndRate {
		if dr.DoseQuantity != nil {
			return dr.DoseQuantity
		}
	}
	return nil
}

// DispenseQuantity returns the quantity to dispense, or nil
func (m *MedicationRequest) DispenseQuantity() *Quantity {
	if m.DispenseRequest == nil {
		return nil
	}
	return m.DispenseRequest.Quantity
}

// IsActionable reports whether the request should still be checked
func (m *MedicationRequest) IsActionable() bool {
	switch m.Status {
	case StatusCancelled, StatusEnteredInError, StatusStopped, StatusCompleted:
		return false
	}
	return true
}

// IsUrgent reports an urgent, asap or stat priority
func (m *MedicationRequest) IsUrgent() bool {
	switch m.Priority {
	case "urgent", "asap", "stat":
		return true
	}
	return false
}

// Notes joins the request's notes
func (m *MedicationRequest) Notes() string {
	parts := make([]string, 0, len(m.Note))
	for _, n := range m.Note {
		if t := strings.TrimSpace(n.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "; ")
}
