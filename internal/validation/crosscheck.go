package validation

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

// ValidateDuplicateMedications runs the cross-medication checks over the
// selected entries: duplicate names, duplicate active ingredients, known
// interactions and over-concentration in one category. Triggered conditions
// are joined with "; "; an empty string means nothing fired.
func (e *Engine) ValidateDuplicateMedications(entries []prescription.CatalogEntry) string {
	var problems []string

	names := duplicated(entries, func(en prescription.CatalogEntry) string { return en.Name })
	if len(names) > 0 {
		problems = append(problems, "Duplicate medications: "+strings.Join(names, ", "))
	}

	generics := duplicated(entries, func(en prescription.CatalogEntry) string { return en.GenericName })
	if len(generics) > 0 {
		problems = append(problems, "Same active ingredient prescribed more than once: "+strings.Join(generics, ", "))
	}

	pool := substancePool(entries)
	for _, rule := range e.rules.Interactions {
		if poolContains(pool, rule.A) && poolContains(pool, rule.B) {
			problems = append(problems, rule.Message)
		}
	}

	for _, category := range e.rules.ConcentrationCategories {
		n := 0
		for _, en := range entries {
			if strings.Contains(lower(en.Category), category) {
				n++
			}
		}
		if n > e.rules.ConcentrationLimit {
			problems = append(problems,
				fmt.Sprintf("Multiple %s medications (%d) - review for appropriateness", category, n))
		}
	}

	return strings.Join(problems, "; ")
}

// duplicated returns every value of key seen more than once, compared trimmed
// and case-insensitively, reported once each in order of first appearance.
func duplicated(entries []prescription.CatalogEntry, key func(prescription.CatalogEntry) string) []string {
	counts := make(map[string]int, len(entries))
	first := make(map[string]string, len(entries))
	var order []string
	for _, en := range entries {
		display := strings.TrimSpace(key(en))
		k := strings.ToLower(display)
		if k == "" {
			continue
		}
		if counts[k] == 0 {
			first[k] = display
			order = append(order, k)
		}
		counts[k]++
	}

	var out []string
	for _, k := range order {
		if counts[k] > 1 {
			out = append(out, first[k])
		}
	}
	return out
}

func substancePool(entries []prescription.CatalogEntry) []string {
	pool := make([]string, 0, 2*len(entries))
	for _, en := range entries {
		if n := lower(en.Name); n != "" {
			pool = append(pool, n)
		}
		if g := lower(en.GenericName); g != "" {
			pool = append(pool, g)
		}
	}
	return pool
}

func poolContains(pool []string, keyword string) bool {
	for _, s := range pool {
		if strings.Contains(s, keyword) {
			return true
		}
	}
	return false
}
