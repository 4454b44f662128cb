// Package r5 holds the subset of FHIR R5 resources accepted at the intake
// endpoint and returned as validation outcomes.
package r5

import "time"

// Identifier is a business identifier
type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// CodeableConcept is a concept with text and codings
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Code returns the code for system, or "" when absent
func (c *CodeableConcept) Code(system string) string {
	if c == nil {
		return ""
	}
	for _, coding := range c.Coding {
		if coding.System == system {
			return coding.Code
		}
	}
	return ""
}

// Display returns the text, falling back to the first coding display
func (c *CodeableConcept) Display() string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return ""
}

// Coding is a code from a terminology system
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference points at another resource
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// ID returns the logical ID of a "Type/id" or "urn:uuid:id" reference
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	ref := r.Reference
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}

// CodeableReference is either a concept or a reference (new in R5)
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period is a time range
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Quantity is a measured amount
type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// Symbol returns the human unit, falling back to the coded unit
func (q *Quantity) Symbol() string {
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// Annotation is a free-text note
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Text         string `json:"text"`
}

// HumanName is a person's name
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// OperationOutcome reports errors and warnings for an operation
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single outcome issue
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates an OperationOutcome with the given issues
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    SeverityError,
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// HasErrors reports whether any issue is fatal or an error
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == SeverityError || issue.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// Issue severities
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// Issue types used by validation outcomes
const (
	IssueInvalid       = "invalid"
	IssueRequired      = "required"
	IssueBusinessRule  = "business-rule"
	IssueNotFound      = "not-found"
	IssueTooLong       = "too-long"
	IssueStructure     = "structure"
	IssueInformational = "informational"
)

// Code systems
const (
	SystemRxNorm          = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemUCUM            = "http://unitsofmeasure.org"
	SystemTimingAbbrev    = "http://terminology.hl7.org/CodeSystem/v3-GTSAbbreviation"
	SystemLocationType    = "http://terminology.hl7.org/CodeSystem/location-physical-type"
	SystemRequestPriority = "http://hl7.org/fhir/request-priority"
)

// MedicationRequest statuses
const (
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusStopped        = "stopped"
	StatusDraft          = "draft"
)
