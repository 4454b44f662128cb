package validation

import (
	"strings"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

// ValidatePatientSelection checks that a patient is selected and eligible to
// receive a prescription. The first failing rule wins.
func ValidatePatientSelection(p *prescription.Patient) string {
	switch {
	case p == nil:
		return "Please select a patient"
	case blank(p.ID) || blank(p.Name):
		return "Patient information is incomplete"
	case blank(p.AdmissionID):
		return "Patient must be admitted before prescribing"
	case blank(p.Ward) || blank(p.Bed):
		return "Patient location information is missing"
	}
	return ""
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
