package mapper

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/fhir/r5"
	"github.com/drfirst/go-rxsafety/internal/validation"
)

func fptr(v float64) *float64 { return &v }

func testPatient() *r5.Patient {
	return &r5.Patient{
		ResourceType: "Patient",
		ID:           "pat-001",
		Name: []r5.HumanName{
			{Use: "usual", Given: []string{"Janie"}},
			{Use: "official", Given: []string{"Jane", "A"}, Family: "Doe"},
		},
	}
}

func testEncounter(status string) *r5.Encounter {
	form := func(code string) *r5.CodeableConcept {
		return &r5.CodeableConcept{Coding: []r5.Coding{{System: r5.SystemLocationType, Code: code}}}
	}
	return &r5.Encounter{
		ResourceType: "Encounter",
		ID:           "adm-001",
		Status:       status,
		Location: []r5.EncounterLocation{
			{Location: r5.Reference{Reference: "Location/ward-3a", Display: "Ward 3A"}, Status: "completed", Form: form(r5.LocationWard)},
			{Location: r5.Reference{Reference: "Location/ward-4b", Display: "Ward 4B"}, Status: "active", Form: form(r5.LocationWard)},
			{Location: r5.Reference{Reference: "Location/bed-12"}, Form: form(r5.LocationBed)},
		},
	}
}

func paracetamolRequest() r5.MedicationRequest {
	start := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	return r5.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           "mr-1",
		Status:       r5.StatusActive,
		Intent:       "order",
		Priority:     "stat",
		Medication: r5.CodeableReference{Concept: &r5.CodeableConcept{
			Coding: []r5.Coding{
				{System: r5.SystemRxNorm, Code: "161"},
				{System: SystemCatalog, Code: "med-1"},
			},
		}},
		Subject: r5.Reference{Reference: "Patient/pat-001"},
		Note:    []r5.Annotation{{Text: "post-op"}, {Text: " "}},
		DosageInstruction: []r5.Dosage{{
			PatientInstruction: "Take with food",
			Timing: &r5.Timing{Repeat: &r5.TimingRepeat{
				Frequency: 2, Period: 1, PeriodUnit: "d",
			}},
			Route:       &r5.CodeableConcept{Text: "Oral"},
			DoseAndRate: []r5.DoseAndRate{{DoseQuantity: &r5.Quantity{Value: fptr(500), Code: "mg", System: r5.SystemUCUM}}},
		}},
		DispenseRequest: &r5.DispenseRequest{
			ValidityPeriod: &r5.Period{Start: &start},
			Quantity:       &r5.Quantity{Value: fptr(10), Unit: "tablet"},
		},
	}
}

func TestToDraft(t *testing.T) {
	cancelled := paracetamolRequest()
	cancelled.ID = "mr-0"
	cancelled.Status = r5.StatusCancelled

	draft, err := ToDraft(Intake{
		Patient:            testPatient(),
		Encounter:          testEncounter(r5.EncounterInProgress),
		MedicationRequests: []r5.MedicationRequest{cancelled, paracetamolRequest()},
	})
	if err != nil {
		t.Fatalf("to draft: %v", err)
	}

	want := &prescription.Patient{ID: "pat-001", Name: "Jane A Doe", AdmissionID: "adm-001", Ward: "Ward 4B", Bed: "bed-12"}
	if *draft.Patient != *want {
		t.Errorf("patient = %+v, want %+v", *draft.Patient, *want)
	}

	if len(draft.Lines) != 1 {
		t.Fatalf("expected cancelled request to be skipped, got %d lines", len(draft.Lines))
	}
	line := draft.Lines[0]
	if line.ID != "mr-1" || line.MedicationID != "med-1" {
		t.Errorf("unexpected identity %s/%s", line.ID, line.MedicationID)
	}
	if line.Dosage != "500 mg" {
		t.Errorf("dosage = %q", line.Dosage)
	}
	if line.Frequency != validation.FrequencyBD {
		t.Errorf("frequency = %q", line.Frequency)
	}
	if line.Quantity != "10" || line.Instructions != "Take with food" || line.Route != "Oral" {
		t.Errorf("unexpected line %+v", line)
	}
	if !line.Urgent || line.Notes != "post-op" {
		t.Errorf("expected urgent line with notes, got %+v", line)
	}
	if !draft.StartDate.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start date = %v", draft.StartDate)
	}
}

func TestToDraftWithoutAdmission(t *testing.T) {
	draft, err := ToDraft(Intake{
		Patient:            testPatient(),
		Encounter:          testEncounter(r5.EncounterPlanned),
		MedicationRequests: []r5.MedicationRequest{paracetamolRequest()},
	})
	if err != nil {
		t.Fatalf("to draft: %v", err)
	}
	if draft.Patient.AdmissionID != "" || draft.Patient.Ward != "" {
		t.Errorf("planned encounter should not admit the patient: %+v", draft.Patient)
	}

	noPatient, err := ToDraft(Intake{MedicationRequests: []r5.MedicationRequest{paracetamolRequest()}})
	if err != nil {
		t.Fatalf("to draft: %v", err)
	}
	if noPatient.Patient != nil {
		t.Error("expected draft without a patient")
	}
}

func TestToDraftSubjectMismatch(t *testing.T) {
	req := paracetamolRequest()
	req.Subject = r5.Reference{Reference: "Patient/someone-else"}

	_, err := ToDraft(Intake{Patient: testPatient(), MedicationRequests: []r5.MedicationRequest{req}})
	if !errors.Is(err, ErrSubjectMismatch) {
		t.Errorf("expected ErrSubjectMismatch, got %v", err)
	}
}

func TestMedicationID(t *testing.T) {
	byRef := r5.MedicationRequest{Medication: r5.CodeableReference{Reference: &r5.Reference{Reference: "Medication/med-7"}}}
	if got := MedicationID(&byRef); got != "med-7" {
		t.Errorf("reference: got %q", got)
	}

	firstCoding := r5.MedicationRequest{Medication: r5.CodeableReference{Concept: &r5.CodeableConcept{
		Coding: []r5.Coding{{System: r5.SystemRxNorm, Code: "1191"}},
	}}}
	if got := MedicationID(&firstCoding); got != "1191" {
		t.Errorf("first coding: got %q", got)
	}

	if got := MedicationID(&r5.MedicationRequest{}); got != "" {
		t.Errorf("empty: got %q", got)
	}
}

func TestFrequency(t *testing.T) {
	tests := []struct {
		name   string
		dosage r5.Dosage
		want   string
	}{
		{"as needed", r5.Dosage{AsNeeded: true}, validation.FrequencyPRN},
		{"no timing", r5.Dosage{}, ""},
		{"abbreviation", r5.Dosage{Timing: &r5.Timing{Code: &r5.CodeableConcept{
			Coding: []r5.Coding{{System: r5.SystemTimingAbbrev, Code: "TID"}},
		}}}, validation.FrequencyTDS},
		{"text code", r5.Dosage{Timing: &r5.Timing{Code: &r5.CodeableConcept{Text: validation.FrequencySlidingScale}}},
			validation.FrequencySlidingScale},
		{"bedtime", r5.Dosage{Timing: &r5.Timing{Repeat: &r5.TimingRepeat{When: []string{"HS"}}}}, validation.FrequencyAtBedtime},
		{"four daily", r5.Dosage{Timing: &r5.Timing{Repeat: &r5.TimingRepeat{Frequency: 4, PeriodUnit: "d"}}}, validation.FrequencyQDS},
		{"weekly", r5.Dosage{Timing: &r5.Timing{Repeat: &r5.TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "wk"}}}, "1 times per 1 wk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Frequency(&tt.dosage); got != tt.want {
				t.Errorf("Frequency() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDoseString(t *testing.T) {
	if got := DoseString(&r5.Quantity{Value: fptr(2.5), Unit: "ml"}); got != "2.5 ml" {
		t.Errorf("got %q", got)
	}
	if got := DoseString(&r5.Quantity{Value: fptr(1)}); got != "1" {
		t.Errorf("unitless: got %q", got)
	}
	if got := DoseString(&r5.Quantity{Unit: "mg"}); got != "" {
		t.Errorf("missing value: got %q", got)
	}
}

func TestToOperationOutcomeClean(t *testing.T) {
	out := ToOperationOutcome(validation.Result{}, nil)
	if len(out.Issue) != 1 || out.Issue[0].Severity != r5.SeverityInformation {
		t.Fatalf("expected one informational issue, got %+v", out.Issue)
	}
	if out.HasErrors() {
		t.Error("clean outcome should have no errors")
	}
}

func TestToOperationOutcomeFromEngine(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	engine := validation.New(validation.WithClock(func() time.Time { return now }))

	stock := 100
	soon := now.AddDate(0, 0, 10)
	catalog := prescription.NewCatalog([]prescription.CatalogEntry{{
		ID: "med-1", Name: "Paracetamol", GenericName: "paracetamol", Category: "Analgesic",
		DosageForm: "tablet", CurrentStock: &stock, ExpiryDate: &soon, Active: true,
	}})

	bad := paracetamolRequest()
	bad.ID = "mr-2"
	bad.DosageInstruction[0].DoseAndRate = nil

	draft, err := ToDraft(Intake{MedicationRequests: []r5.MedicationRequest{paracetamolRequest(), bad}})
	if err != nil {
		t.Fatalf("to draft: %v", err)
	}
	result := engine.ValidateForm(draft, catalog)
	out := ToOperationOutcome(result, draft)

	if !out.HasErrors() {
		t.Fatal("expected errors")
	}

	var sawPatient, sawWarning, sawDosage bool
	for _, issue := range out.Issue {
		switch {
		case issue.Code == r5.IssueRequired:
			sawPatient = issue.Diagnostics == "Please select a patient" && issue.Expression[0] == "Patient"
		case issue.Severity == r5.SeverityWarning:
			sawWarning = strings.HasPrefix(issue.Diagnostics, "Warning: Paracetamol expires in")
		case issue.Details.Coding[0].Code == "medication_1.dosage":
			sawDosage = issue.Diagnostics == "Dosage is required" &&
				issue.Expression[0] == "MedicationRequest.where(id='mr-2').dosageInstruction[0].doseAndRate[0].doseQuantity"
		}
	}
	if !sawPatient {
		t.Error("expected a required patient issue")
	}
	if !sawWarning {
		t.Error("expected the expiry notice as a warning")
	}
	if !sawDosage {
		t.Errorf("expected a dosage issue located on mr-2, got %+v", out.Issue)
	}
}
