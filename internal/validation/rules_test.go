package validation

import (
	"strings"
	"testing"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

func TestValidatePatientSelection(t *testing.T) {
	tests := []struct {
		name    string
		patient *prescription.Patient
		want    string
	}{
		{"none selected", nil, "Please select a patient"},
		{"missing name", &prescription.Patient{ID: "p1"}, "Patient information is incomplete"},
		{"missing id", &prescription.Patient{Name: "Jane"}, "Patient information is incomplete"},
		{"not admitted", &prescription.Patient{ID: "p1", Name: "Jane"}, "Patient must be admitted before prescribing"},
		{"no bed", &prescription.Patient{ID: "p1", Name: "Jane", AdmissionID: "a1", Ward: "4B"}, "Patient location information is missing"},
		{"no ward", &prescription.Patient{ID: "p1", Name: "Jane", AdmissionID: "a1", Bed: "12"}, "Patient location information is missing"},
		{"eligible", admittedPatient(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidatePatientSelection(tt.patient); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestValidateDosage(t *testing.T) {
	engine := newTestEngine()

	tests := []struct {
		value string
		want  string // substring; empty means valid
	}{
		{"500mg", ""},
		{"0.1mg", ""},
		{"5000 mg", ""},
		{"0.05mg", "between 0.1 and 5000 mg"},
		{"5001mg", "between 0.1 and 5000 mg"},
		{"", "Dosage is required"},
		{"   ", "Dosage is required"},
		{"five mg", "Invalid dosage format"},
		{"1.2345mg", "Invalid dosage format"},
		{"10  mg", "Invalid dosage format"},
		{"10 mgs", "Invalid dosage format"},
		{"2 TABS", ""},
		{"25 tab", "between 0.25 and 20 tab"},
		{"250 μg", ""},
		{"250µg", ""},
		{"0.5 mcg", "between 1 and 10000 mcg"},
		{"3 drops", ""},
		{"1 Patch", ""},
		{"12 sprays", "between 1 and 10 spray"},
		{"100000 IU", ""},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := engine.ValidateField(FieldDosage, tt.value, nil)
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected %q to be accepted, got %q", tt.value, got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("expected %q to contain %q, got %q", tt.value, tt.want, got)
			}
		})
	}
}

func TestValidateFrequency(t *testing.T) {
	engine := newTestEngine()

	for _, f := range engine.Ruleset().Frequencies {
		if msg := engine.ValidateField(FieldFrequency, f, nil); msg != "" {
			t.Errorf("expected %q to be accepted, got %q", f, msg)
		}
	}
	if msg := engine.ValidateField(FieldFrequency, "", nil); msg != "Frequency is required" {
		t.Errorf("unexpected message: %q", msg)
	}
	if msg := engine.ValidateField(FieldFrequency, "once daily", nil); msg != "Please select a valid frequency" {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestValidateQuantity(t *testing.T) {
	engine := newTestEngine()

	tablet := tabletEntry("t", "Paracetamol", "paracetamol", "Analgesic")
	lowStock := tabletEntry("s", "Paracetamol", "paracetamol", "Analgesic")
	lowStock.CurrentStock = intPtr(3)
	injection := prescription.CatalogEntry{ID: "i", Name: "Ceftriaxone", DosageForm: "Injection", Active: true}
	syrup := prescription.CatalogEntry{ID: "y", Name: "Amoxicillin Syrup", DosageForm: "syrup", Active: true}
	controlled := prescription.CatalogEntry{ID: "c", Name: "Morphine", Category: "Controlled Analgesic", DosageForm: "tablet", Active: true}

	tests := []struct {
		name  string
		value string
		entry *prescription.CatalogEntry
		want  string // substring; empty means valid
	}{
		{"required", "", &tablet, "Quantity is required"},
		{"not a number", "ten", &tablet, "Quantity must be a valid number"},
		{"nan", "NaN", &tablet, "Quantity must be a valid number"},
		{"zero", "0", &tablet, "Quantity must be greater than 0"},
		{"negative", "-2", &tablet, "Quantity must be greater than 0"},
		{"over ceiling", "1001", nil, "Quantity cannot exceed 1000"},
		{"stock exceeded", "4", &lowStock, "3"},
		{"stock matched", "3", &lowStock, ""},
		{"tablet quarter", "1.25", &tablet, "multiples of 0.5"},
		{"tablet half", "1.5", &tablet, ""},
		{"tablet half padded", " 1.50 ", &tablet, ""},
		{"tablet near half", "1.5000000001", &tablet, "multiples of 0.5"},
		{"injection fraction", "1.5", &injection, "whole number"},
		{"injection whole", "2", &injection, ""},
		{"injection near whole", "2.0000000001", &injection, "whole number"},
		{"syrup decimals", "7.25", &syrup, "at most 1 decimal"},
		{"syrup minimum", "4", &syrup, "Minimum syrup quantity is 5 ml"},
		{"syrup ok", "10.5", &syrup, ""},
		{"controlled over", "31", &controlled, "cannot exceed 30"},
		{"controlled at limit", "30", &controlled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.ValidateField(FieldQuantity, tt.value, tt.entry)
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected %q to be accepted, got %q", tt.value, got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("expected message containing %q, got %q", tt.want, got)
			}
		})
	}
}

func TestValidateInstructions(t *testing.T) {
	engine := newTestEngine()

	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"empty is optional", "", nil},
		{"plain", "Take after meals", nil},
		{"too short", "ok", []string{"at least 3 characters"}},
		{"too long", strings.Repeat("a", 501), []string{"cannot exceed 500 characters"}},
		{"unsafe", "Take a double dose if pain persists", []string{"unsafe language", "double dose"}},
		{"unsafe upper case", "INJECT into thigh", []string{"unsafe language", "inject"}},
		{"contradiction", "take with food on empty stomach", []string{"with food", "on empty stomach"}},
		{"contradiction mixed case", "Once in the Morning and again at Bedtime", []string{"morning", "bedtime"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.ValidateField(FieldInstructions, tt.value, nil)
			if len(tt.want) == 0 {
				if got != "" {
					t.Errorf("expected no error, got %q", got)
				}
				return
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("expected %q to contain %q", got, w)
				}
			}
		})
	}
}

func TestInstructionsLengthCountsCharacters(t *testing.T) {
	engine := newTestEngine()

	// 500 two-byte runes is within the limit
	if msg := engine.ValidateField(FieldInstructions, strings.Repeat("é", 500), nil); msg != "" {
		t.Errorf("expected 500 characters to be accepted, got %q", msg)
	}
}

func TestValidateDuplicateMedications(t *testing.T) {
	engine := newTestEngine()

	t.Run("duplicate generic", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Panadol", "paracetamol", "Analgesic"),
			tabletEntry("2", "Calpol", "Paracetamol ", "Analgesic"),
		})
		if !strings.Contains(msg, "paracetamol") {
			t.Errorf("expected generic to be named, got %q", msg)
		}
		if strings.Contains(msg, "Duplicate medications") {
			t.Errorf("brand names differ, got %q", msg)
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Amoxil", "amoxicillin", "Antibiotic"),
			tabletEntry("2", " amoxil", "amoxicillin", "Antibiotic"),
			tabletEntry("3", "AMOXIL", "amoxicillin", "Antibiotic"),
		})
		if !strings.Contains(msg, "Duplicate medications: Amoxil") {
			t.Errorf("expected duplicated name reported once, got %q", msg)
		}
		if strings.Count(msg, "Amoxil") != 1 {
			t.Errorf("name should be listed once, got %q", msg)
		}
	})

	t.Run("interaction", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Warfarin", "", "Anticoagulant"),
			tabletEntry("2", "Aspirin", "", "Analgesic"),
		})
		if !strings.Contains(msg, "increased risk of bleeding") {
			t.Errorf("expected bleeding warning, got %q", msg)
		}
	})

	t.Run("interaction on generic name", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Ultram", "tramadol hydrochloride", "Analgesic"),
			tabletEntry("2", "Zoloft", "sertraline", "Antidepressant"),
		})
		if msg != "Tramadol + Sertraline: risk of serotonin syndrome" {
			t.Errorf("unexpected message: %q", msg)
		}
	})

	t.Run("over concentration", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Paracetamol", "paracetamol", "Analgesic"),
			tabletEntry("2", "Naproxen", "naproxen", "NSAID Analgesic"),
			tabletEntry("3", "Tramadol", "tramadol", "Opioid analgesic"),
		})
		if msg != "Multiple analgesic medications (3) - review for appropriateness" {
			t.Errorf("unexpected message: %q", msg)
		}
	})

	t.Run("combined", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Warfarin", "warfarin", "Anticoagulant"),
			tabletEntry("2", "Aspirin", "aspirin", "Analgesic"),
			tabletEntry("3", "Aspirin", "aspirin", "Analgesic"),
		})
		parts := strings.Split(msg, "; ")
		if len(parts) != 3 {
			t.Fatalf("expected 3 conditions, got %q", msg)
		}
		if parts[0] != "Duplicate medications: Aspirin" {
			t.Errorf("unexpected first condition: %q", parts[0])
		}
	})

	t.Run("nothing fires", func(t *testing.T) {
		msg := engine.ValidateDuplicateMedications([]prescription.CatalogEntry{
			tabletEntry("1", "Paracetamol", "paracetamol", "Analgesic"),
			tabletEntry("2", "Amoxicillin", "amoxicillin", "Antibiotic"),
		})
		if msg != "" {
			t.Errorf("expected empty message, got %q", msg)
		}
	})
}

func TestValidateFormOmitsEmptyDuplicates(t *testing.T) {
	engine := newTestEngine()
	catalog := prescription.NewCatalog([]prescription.CatalogEntry{
		tabletEntry("med-1", "Warfarin", "warfarin", "Anticoagulant"),
		tabletEntry("med-2", "Aspirin", "aspirin", "Analgesic"),
	})

	res := engine.ValidateForm(&prescription.Draft{
		Patient: admittedPatient(),
		Lines:   []prescription.Line{cleanLine("l1", "med-1"), cleanLine("l2", "med-2")},
	}, catalog)

	if got := res.Keys(); len(got) != 1 || got[0] != KeyDuplicates {
		t.Fatalf("expected only the duplicates key, got %v", got)
	}
	if !strings.Contains(res.Duplicates, "Warfarin + Aspirin") {
		t.Errorf("unexpected duplicates message: %q", res.Duplicates)
	}
}
