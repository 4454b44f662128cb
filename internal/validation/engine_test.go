package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
}

func newTestEngine() *Engine {
	return New(WithClock(fixedNow))
}

func intPtr(n int) *int { return &n }

func tabletEntry(id, name, generic, category string) prescription.CatalogEntry {
	return prescription.CatalogEntry{
		ID:           id,
		Name:         name,
		GenericName:  generic,
		Category:     category,
		DosageForm:   "tablet",
		CurrentStock: intPtr(100),
		Active:       true,
	}
}

func admittedPatient() *prescription.Patient {
	return &prescription.Patient{
		ID:          "pat-001",
		Name:        "Jane Doe",
		AdmissionID: "adm-001",
		Ward:        "Ward 4B",
		Bed:         "12",
	}
}

func cleanLine(id, medicationID string) prescription.Line {
	return prescription.Line{
		ID:           id,
		MedicationID: medicationID,
		Dosage:       "500mg",
		Frequency:    FrequencyOD,
		Quantity:     "10",
	}
}

func TestValidateFormCleanSubmission(t *testing.T) {
	engine := newTestEngine()

	entry := tabletEntry("med-1", "Paracetamol", "paracetamol", "Analgesic")
	entry.CurrentStock = intPtr(20)
	catalog := prescription.NewCatalog([]prescription.CatalogEntry{entry})

	draft := &prescription.Draft{
		Patient: admittedPatient(),
		Lines:   []prescription.Line{cleanLine("l1", "med-1")},
	}

	res := engine.ValidateForm(draft, catalog)
	if !res.Valid() {
		t.Fatalf("expected valid draft, got %v", res.Issues())
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("expected {}, got %s", data)
	}
}

func TestValidateFormMultiFailure(t *testing.T) {
	engine := newTestEngine()

	res := engine.ValidateForm(&prescription.Draft{}, prescription.Catalog{})

	if res.Patient != "Please select a patient" {
		t.Errorf("unexpected patient message: %q", res.Patient)
	}
	if !strings.Contains(res.Medications, "at least one medication") {
		t.Errorf("unexpected medications message: %q", res.Medications)
	}
	if res.Duplicates != "" {
		t.Errorf("expected no duplicates message, got %q", res.Duplicates)
	}

	want := []string{KeyPatient, KeyMedications}
	if got := res.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected keys %v, got %v", want, got)
	}
}

func TestValidateFormNilDraft(t *testing.T) {
	engine := newTestEngine()

	res := engine.ValidateForm(nil, nil)
	if res.Valid() {
		t.Fatal("nil draft must not be valid")
	}
	if res.Patient == "" || res.Medications == "" {
		t.Errorf("expected patient and medications keys, got %v", res.Keys())
	}
}

func TestValidateFormIdempotent(t *testing.T) {
	engine := newTestEngine()

	expiring := tabletEntry("med-2", "Aspirin", "acetylsalicylic acid", "Analgesic")
	soon := fixedNow().Add(5 * 24 * time.Hour)
	expiring.ExpiryDate = &soon
	catalog := prescription.NewCatalog([]prescription.CatalogEntry{
		tabletEntry("med-1", "Warfarin", "warfarin", "Anticoagulant"),
		expiring,
	})

	bad := cleanLine("l2", "med-2")
	bad.Dosage = "lots"
	draft := &prescription.Draft{
		Patient: &prescription.Patient{ID: "p", Name: "n"},
		Lines:   []prescription.Line{cleanLine("l1", "med-1"), bad},
	}

	first := engine.ValidateForm(draft, catalog)
	second := engine.ValidateForm(draft, catalog)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("validation is not idempotent:\n%v\n%v", first.Issues(), second.Issues())
	}
}

func TestValidateFormLineIndependence(t *testing.T) {
	engine := newTestEngine()

	catalog := prescription.NewCatalog([]prescription.CatalogEntry{
		tabletEntry("med-1", "Paracetamol", "paracetamol", "Analgesic"),
		tabletEntry("med-2", "Amoxicillin", "amoxicillin", "Antibiotic"),
	})

	first := cleanLine("l1", "med-1")
	first.Quantity = "1.25"
	second := cleanLine("l2", "med-2")
	draft := &prescription.Draft{
		Patient: admittedPatient(),
		Lines:   []prescription.Line{first, second},
	}
	before := engine.ValidateForm(draft, catalog)

	draft.Lines[1].Dosage = "9999g"
	draft.Lines[1].Instructions = "overdose if needed"
	after := engine.ValidateForm(draft, catalog)

	if !reflect.DeepEqual(before.Line(0), after.Line(0)) {
		t.Errorf("line 0 changed after editing line 1: %v -> %v", before.Line(0), after.Line(0))
	}
	if after.Line(1)[FieldDosage] == "" || after.Line(1)[FieldInstructions] == "" {
		t.Errorf("expected line 1 errors, got %v", after.Line(1))
	}
}

func TestValidateFormValidityMatchesEmptiness(t *testing.T) {
	engine := newTestEngine()
	catalog := prescription.NewCatalog([]prescription.CatalogEntry{
		tabletEntry("med-1", "Paracetamol", "paracetamol", "Analgesic"),
	})

	drafts := []*prescription.Draft{
		{Patient: admittedPatient(), Lines: []prescription.Line{cleanLine("l1", "med-1")}},
		{Patient: admittedPatient()},
		{Lines: []prescription.Line{cleanLine("l1", "med-1")}},
		{Patient: admittedPatient(), Lines: []prescription.Line{cleanLine("l1", "unknown")}},
	}
	for i, d := range drafts {
		res := engine.ValidateForm(d, catalog)
		if res.Valid() != (res.Len() == 0) {
			t.Errorf("draft %d: Valid()=%v but Len()=%d", i, res.Valid(), res.Len())
		}
		data, _ := json.Marshal(res)
		if res.Valid() != (string(data) == "{}") {
			t.Errorf("draft %d: Valid()=%v but JSON %s", i, res.Valid(), data)
		}
	}
}

func TestValidateMedicationsTooManyLines(t *testing.T) {
	engine := newTestEngine()

	var entries []prescription.CatalogEntry
	var lines []prescription.Line
	for i := 0; i < 11; i++ {
		id := fmt.Sprintf("med-%d", i)
		entries = append(entries, tabletEntry(id, fmt.Sprintf("Drug %d", i), fmt.Sprintf("generic %d", i), "General"))
		lines = append(lines, cleanLine(fmt.Sprintf("l%d", i), id))
	}
	lines[10].Frequency = "whenever"

	res := engine.ValidateMedications(lines, prescription.NewCatalog(entries))

	if !strings.Contains(res.Medications, "Maximum 10 medications") {
		t.Errorf("expected count ceiling message, got %q", res.Medications)
	}
	if res.Line(10)[FieldFrequency] != "Please select a valid frequency" {
		t.Errorf("expected line errors alongside the ceiling, got %v", res.Line(10))
	}
}

func TestValidateMedicationsUnknownAndInactive(t *testing.T) {
	engine := newTestEngine()

	retired := tabletEntry("med-old", "Ranitidine", "ranitidine", "Antacid")
	retired.Active = false
	catalog := prescription.NewCatalog([]prescription.CatalogEntry{retired})

	res := engine.ValidateMedications([]prescription.Line{
		cleanLine("l1", "missing"),
		cleanLine("l2", "med-old"),
	}, catalog)

	if res.Line(0)[FieldMedication] != "Medication not found in catalog" {
		t.Errorf("unexpected unknown message: %v", res.Line(0))
	}
	if !strings.Contains(res.Line(1)[FieldMedication], "Ranitidine is no longer active") {
		t.Errorf("unexpected inactive message: %v", res.Line(1))
	}
}

func TestValidateFormExpiry(t *testing.T) {
	engine := newTestEngine()

	expired := tabletEntry("med-1", "Amoxicillin", "amoxicillin", "Antibiotic")
	past := fixedNow().Add(-24 * time.Hour)
	expired.ExpiryDate = &past

	expiring := tabletEntry("med-2", "Paracetamol", "paracetamol", "Analgesic")
	soon := fixedNow().Add(10 * 24 * time.Hour)
	expiring.ExpiryDate = &soon

	fresh := tabletEntry("med-3", "Omeprazole", "omeprazole", "Antacid")
	later := fixedNow().Add(90 * 24 * time.Hour)
	fresh.ExpiryDate = &later

	catalog := prescription.NewCatalog([]prescription.CatalogEntry{expired, expiring, fresh})
	draft := &prescription.Draft{
		Patient: admittedPatient(),
		Lines: []prescription.Line{
			cleanLine("l1", "med-1"),
			cleanLine("l2", "med-2"),
			cleanLine("l3", "med-3"),
		},
	}

	res := engine.ValidateForm(draft, catalog)

	if msg := res.Line(0)[FieldExpiry]; msg != "Amoxicillin has expired and cannot be prescribed" {
		t.Errorf("unexpected expired message: %q", msg)
	}
	if res.IsWarning(LineKey(0), FieldExpiry) {
		t.Error("expired medication must not be a warning")
	}

	if msg := res.Line(1)[FieldExpiry]; !strings.Contains(msg, "expires in 10 day(s)") {
		t.Errorf("unexpected expiring message: %q", msg)
	}
	if !res.IsWarning(LineKey(1), FieldExpiry) {
		t.Error("expiry within the warning window should be flagged as a warning")
	}

	if res.Line(2) != nil {
		t.Errorf("expected no errors for line 2, got %v", res.Line(2))
	}
	if res.Valid() {
		t.Error("expiry warnings still block submission")
	}
}

func TestValidateFieldWithoutEntry(t *testing.T) {
	engine := newTestEngine()

	if msg := engine.ValidateField(FieldQuantity, "4", nil); msg != "" {
		t.Errorf("expected no quantity error without entry, got %q", msg)
	}
	if msg := engine.ValidateField(FieldExpiry, "", nil); msg != "" {
		t.Errorf("expected no expiry error without entry, got %q", msg)
	}
	if msg := engine.ValidateField(Field("route"), "oral", nil); msg != "" {
		t.Errorf("unknown fields are not validated, got %q", msg)
	}
}

func TestWithInteractionsCopiesEngine(t *testing.T) {
	engine := newTestEngine()
	custom := engine.WithInteractions([]InteractionRule{
		{A: "Lithium", B: "Ibuprofen", Message: "Lithium + Ibuprofen: risk of lithium toxicity"},
	})

	entries := []prescription.CatalogEntry{
		tabletEntry("med-1", "Priadel", "lithium carbonate", "Mood stabiliser"),
		tabletEntry("med-2", "Brufen", "ibuprofen", "NSAID"),
	}

	if msg := custom.ValidateDuplicateMedications(entries); !strings.Contains(msg, "lithium toxicity") {
		t.Errorf("expected custom interaction, got %q", msg)
	}
	if msg := engine.ValidateDuplicateMedications(entries); msg != "" {
		t.Errorf("original engine must be unchanged, got %q", msg)
	}
}
