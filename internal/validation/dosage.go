package validation

import (
	"fmt"
	"strconv"
	"strings"
)

func (e *Engine) validateDosage(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return "Dosage is required"
	}

	m := e.dosageRe.FindStringSubmatch(v)
	if m == nil {
		return "Invalid dosage format (e.g. 500mg, 10 ml, 1 tab)"
	}
	amount, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return "Invalid dosage format (e.g. 500mg, 10 ml, 1 tab)"
	}

	unit := e.rules.UnitAliases[strings.ToLower(m[2])]
	limit, ok := e.rules.DosageLimits[unit]
	if !ok {
		return ""
	}
	if amount < limit.Min || amount > limit.Max {
		return fmt.Sprintf("Dosage should be between %s and %s %s",
			formatNumber(limit.Min), formatNumber(limit.Max), unit)
	}
	return ""
}

func (e *Engine) validateFrequency(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return "Frequency is required"
	}
	for _, f := range e.rules.Frequencies {
		if v == f {
			return ""
		}
	}
	return "Please select a valid frequency"
}
