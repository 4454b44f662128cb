package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

func (e *Engine) validateInstructions(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}

	n := utf8.RuneCountInString(v)
	if n > e.rules.MaxInstructionLength {
		return fmt.Sprintf("Instructions cannot exceed %d characters", e.rules.MaxInstructionLength)
	}
	if n < e.rules.MinInstructionLength {
		return fmt.Sprintf("Instructions must be at least %d characters", e.rules.MinInstructionLength)
	}

	text := strings.ToLower(v)
	for _, phrase := range e.rules.DangerousPhrases {
		if strings.Contains(text, phrase) {
			return fmt.Sprintf("Instructions contain potentially unsafe language: %q", phrase)
		}
	}
	for _, pair := range e.rules.Contradictions {
		if strings.Contains(text, pair.A) && strings.Contains(text, pair.B) {
			return fmt.Sprintf("Contradictory instructions: %q and %q", pair.A, pair.B)
		}
	}
	return ""
}

// checkExpiry returns the expiry message for entry and whether it is only a
// warning (expiry within the warning window).
func (e *Engine) checkExpiry(entry *prescription.CatalogEntry) (string, bool) {
	if entry == nil || entry.ExpiryDate == nil || entry.ExpiryDate.IsZero() {
		return "", false
	}

	now := e.now()
	if !entry.ExpiryDate.After(now) {
		return fmt.Sprintf("%s has expired and cannot be prescribed", displayName(entry)), false
	}

	remaining := entry.ExpiryDate.Sub(now)
	if remaining > e.rules.ExpiryWarningWindow {
		return "", false
	}
	days := int(math.Ceil(remaining.Hours() / 24))
	return fmt.Sprintf("Warning: %s expires in %d day(s)", displayName(entry), days), true
}
