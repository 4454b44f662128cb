// Package mapper converts FHIR R5 intake bundles into prescription drafts and
// renders verdicts as OperationOutcome resources.
package mapper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/fhir/r5"
	"github.com/drfirst/go-rxsafety/internal/validation"
)

// SystemCatalog identifies formulary codes on a medication concept
const SystemCatalog = "urn:rxsafety:catalog"

// SystemValidation identifies the rule keys reported in outcome details
const SystemValidation = "urn:rxsafety:validation"

// ErrSubjectMismatch is returned when a request names a different patient
var ErrSubjectMismatch = errors.New("medication request subject does not match patient")

// Intake is a patient, the admission and the medication requests to check
type Intake struct {
	Patient            *r5.Patient            `json:"patient,omitempty"`
	Encounter          *r5.Encounter          `json:"encounter,omitempty"`
	MedicationRequests []r5.MedicationRequest `json:"medication_requests"`
}

// ToDraft builds the draft for an intake. Requests that are no longer
// actionable are left out. A missing patient yields a draft without one so
// the patient check reports it.
func ToDraft(in Intake) (*prescription.Draft, error) {
	draft := &prescription.Draft{Patient: toPatient(in.Patient, in.Encounter)}

	for i := range in.MedicationRequests {
		req := &in.MedicationRequests[i]
		if !req.IsActionable() {
			continue
		}
		if draft.Patient != nil && req.PatientID() != "" && req.PatientID() != draft.Patient.ID {
			return nil, fmt.Errorf("%w: request %s is for %s", ErrSubjectMismatch, req.ID, req.PatientID())
		}

		draft.Lines = append(draft.Lines, toLine(req))
		if start := validityStart(req); start != nil && (draft.StartDate.IsZero() || start.Before(draft.StartDate)) {
			draft.StartDate = *start
		}
	}
	return draft, nil
}

func toPatient(p *r5.Patient, enc *r5.Encounter) *prescription.Patient {
	if p == nil {
		return nil
	}
	out := &prescription.Patient{ID: p.ID, Name: p.FullName()}
	if enc != nil && enc.Status == r5.EncounterInProgress {
		out.AdmissionID = enc.ID
		out.Ward = enc.Place(r5.LocationWard)
		out.Bed = enc.Place(r5.LocationBed)
	}
	return out
}

func toLine(req *r5.MedicationRequest) prescription.Line {
	line := prescription.Line{
		ID:           req.ID,
		MedicationID: MedicationID(req),
		Dosage:       DoseString(req.DoseQuantity()),
		Notes:        req.Notes(),
		Urgent:       req.IsUrgent(),
	}
	if q := req.DispenseQuantity(); q != nil && q.Value != nil {
		line.Quantity = formatValue(*q.Value)
	}
	if d := req.FirstDosage(); d != nil {
		line.Frequency = Frequency(d)
		line.Instructions = instructions(d)
		line.Route = d.Route.Display()
	}
	return line
}

// MedicationID resolves the catalog ID of the requested medication: a
// Medication reference, then a formulary coding, then the first coding
func MedicationID(req *r5.MedicationRequest) string {
	if req.Medication.Reference != nil {
		if id := req.Medication.Reference.ID(); id != "" {
			return id
		}
	}
	concept := req.Medication.Concept
	if code := concept.Code(SystemCatalog); code != "" {
		return code
	}
	if concept != nil && len(concept.Coding) > 0 {
		return concept.Coding[0].Code
	}
	return ""
}

// DoseString renders a dose quantity in the "<amount> <unit>" form
func DoseString(q *r5.Quantity) string {
	if q == nil || q.Value == nil {
		return ""
	}
	unit := q.Symbol()
	if unit == "" {
		return formatValue(*q.Value)
	}
	return formatValue(*q.Value) + " " + unit
}

var timesPerDay = map[int]string{
	1: validation.FrequencyOD,
	2: validation.FrequencyBD,
	3: validation.FrequencyTDS,
	4: validation.FrequencyQDS,
}

var abbreviations = map[string]string{
	"QD":  validation.FrequencyOD,
	"BID": validation.FrequencyBD,
	"TID": validation.FrequencyTDS,
	"QID": validation.FrequencyQDS,
}

var mealEvents = map[string]string{
	"AC": validation.FrequencyBeforeMeals,
	"PC": validation.FrequencyAfterMeals,
	"HS": validation.FrequencyAtBedtime,
}

// Frequency maps a dosage timing onto the frequency enumeration. A schedule
// that has no equivalent is described in words so it fails the frequency
// check rather than being reported missing.
func Frequency(d *r5.Dosage) string {
	if d.AsNeeded {
		return validation.FrequencyPRN
	}
	t := d.Timing
	if t == nil {
		return ""
	}
	if t.Code != nil {
		if f, ok := abbreviations[t.Code.Code(r5.SystemTimingAbbrev)]; ok {
			return f
		}
		// free-text codes that already use the enumeration pass through
		if t.Code.Text != "" {
			return t.Code.Text
		}
	}
	r := t.Repeat
	if r == nil {
		return ""
	}
	for _, w := range r.When {
		if f, ok := mealEvents[w]; ok {
			return f
		}
	}
	if r.Frequency > 0 && r.PeriodUnit == "d" && (r.Period == 0 || r.Period == 1) {
		if f, ok := timesPerDay[r.Frequency]; ok {
			return f
		}
	}
	if r.Frequency > 0 && r.PeriodUnit != "" {
		return fmt.Sprintf("%d times per %s %s", r.Frequency, formatValue(r.Period), r.PeriodUnit)
	}
	return ""
}

func instructions(d *r5.Dosage) string {
	if s := strings.TrimSpace(d.PatientInstruction); s != "" {
		return s
	}
	parts := make([]string, 0, len(d.AdditionalInstruction))
	for i := range d.AdditionalInstruction {
		if s := d.AdditionalInstruction[i].Display(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ". ")
}

func validityStart(req *r5.MedicationRequest) *time.Time {
	if req.DispenseRequest == nil || req.DispenseRequest.ValidityPeriod == nil {
		return nil
	}
	return req.DispenseRequest.ValidityPeriod.Start
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var fieldPaths = map[validation.Field]string{
	validation.FieldDosage:       "dosageInstruction[0].doseAndRate[0].doseQuantity",
	validation.FieldFrequency:    "dosageInstruction[0].timing",
	validation.FieldQuantity:     "dispenseRequest.quantity",
	validation.FieldInstructions: "dosageInstruction[0].patientInstruction",
	validation.FieldExpiry:       "medication",
	validation.FieldMedication:   "medication",
}

var fieldCodes = map[validation.Field]string{
	validation.FieldDosage:       r5.IssueInvalid,
	validation.FieldFrequency:    r5.IssueInvalid,
	validation.FieldQuantity:     r5.IssueInvalid,
	validation.FieldInstructions: r5.IssueInvalid,
	validation.FieldExpiry:       r5.IssueBusinessRule,
	validation.FieldMedication:   r5.IssueNotFound,
}

// ToOperationOutcome renders result as an OperationOutcome with one issue
// per message. draft supplies the request IDs for line expressions and may
// be nil. Advisory messages carry warning severity.
func ToOperationOutcome(result validation.Result, draft *prescription.Draft) *r5.OperationOutcome {
	issues := result.Issues()
	if len(issues) == 0 {
		return r5.NewOperationOutcome(r5.OperationOutcomeIssue{
			Severity:    r5.SeverityInformation,
			Code:        r5.IssueInformational,
			Diagnostics: "All safety checks passed",
		})
	}

	out := r5.NewOperationOutcome()
	for _, issue := range issues {
		out.Issue = append(out.Issue, toIssue(issue, draft))
	}
	return out
}

func toIssue(issue validation.Issue, draft *prescription.Draft) r5.OperationOutcomeIssue {
	rule := issue.Key
	if issue.Field != "" {
		rule += "." + string(issue.Field)
	}
	oi := r5.OperationOutcomeIssue{
		Severity:    r5.SeverityError,
		Code:        r5.IssueBusinessRule,
		Diagnostics: issue.Message,
		Details: &r5.CodeableConcept{
			Coding: []r5.Coding{{System: SystemValidation, Code: rule}},
			Text:   issue.Message,
		},
	}
	if issue.Warning {
		oi.Severity = r5.SeverityWarning
	}

	switch issue.Key {
	case validation.KeyPatient:
		oi.Code = r5.IssueRequired
		oi.Expression = []string{"Patient"}
	case validation.KeyMedications:
		oi.Expression = []string{"MedicationRequest"}
	case validation.KeyDuplicates:
		oi.Expression = []string{"MedicationRequest"}
	default:
		if code, ok := fieldCodes[issue.Field]; ok {
			oi.Code = code
		}
		if expr := lineExpression(issue, draft); expr != "" {
			oi.Expression = []string{expr}
		}
	}
	return oi
}

func lineExpression(issue validation.Issue, draft *prescription.Draft) string {
	index, err := strconv.Atoi(strings.TrimPrefix(issue.Key, "medication_"))
	if err != nil {
		return ""
	}
	target := fmt.Sprintf("MedicationRequest[%d]", index)
	if draft != nil && index < len(draft.Lines) && draft.Lines[index].ID != "" {
		target = fmt.Sprintf("MedicationRequest.where(id='%s')", draft.Lines[index].ID)
	}
	if path, ok := fieldPaths[issue.Field]; ok {
		return target + "." + path
	}
	return target
}
