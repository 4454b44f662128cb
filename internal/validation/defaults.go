package validation

import (
	"sort"
	"strings"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

// Defaults pre-fills lines for one therapeutic category
type Defaults struct {
	Frequencies  []string `json:"default_frequencies"`
	Instructions []string `json:"default_instructions"`
	Quantity     string   `json:"default_quantity"`
	QuantityUnit string   `json:"quantity_unit"`
}

// LineDefaults picks the first suggestion of each kind
func (d Defaults) LineDefaults() prescription.LineDefaults {
	var ld prescription.LineDefaults
	if len(d.Frequencies) > 0 {
		ld.Frequency = d.Frequencies[0]
	}
	if len(d.Instructions) > 0 {
		ld.Instructions = d.Instructions[0]
	}
	ld.Quantity = d.Quantity
	return ld
}

// CategoryDefaults maps a lower-case category keyword to its defaults
type CategoryDefaults map[string]Defaults

var generalDefaults = Defaults{
	Frequencies:  []string{FrequencyOD},
	Instructions: []string{"Take as directed"},
	Quantity:     "10",
	QuantityUnit: "units",
}

// DefaultCategoryDefaults returns the built-in table
func DefaultCategoryDefaults() CategoryDefaults {
	return CategoryDefaults{
		"analgesic": {
			Frequencies:  []string{FrequencyPRN, FrequencyTDS, FrequencyQDS},
			Instructions: []string{"Take after meals", "Do not exceed 4 doses in 24 hours"},
			Quantity:     "10",
			QuantityUnit: "tablets",
		},
		"antibiotic": {
			Frequencies:  []string{FrequencyBD, FrequencyTDS, FrequencyQDS},
			Instructions: []string{"Complete the full course", "Take at evenly spaced intervals"},
			Quantity:     "14",
			QuantityUnit: "tablets",
		},
		"antihypertensive": {
			Frequencies:  []string{FrequencyOD, FrequencyBD},
			Instructions: []string{"Take in the morning", "Monitor blood pressure regularly"},
			Quantity:     "30",
			QuantityUnit: "tablets",
		},
		"antidiabetic": {
			Frequencies:  []string{FrequencyBD, FrequencyOD, FrequencyBeforeMeals},
			Instructions: []string{"Take with meals", "Monitor blood glucose"},
			Quantity:     "30",
			QuantityUnit: "tablets",
		},
		"insulin": {
			Frequencies:  []string{FrequencySlidingScale, FrequencyBeforeMeals},
			Instructions: []string{"Administer subcutaneously as per sliding scale"},
			Quantity:     "1",
			QuantityUnit: "vials",
		},
		"anticoagulant": {
			Frequencies:  []string{FrequencyOD},
			Instructions: []string{"Take at the same time each day", "Report any unusual bleeding"},
			Quantity:     "28",
			QuantityUnit: "tablets",
		},
		"diuretic": {
			Frequencies:  []string{FrequencyOD},
			Instructions: []string{"Take in the morning"},
			Quantity:     "30",
			QuantityUnit: "tablets",
		},
		"antacid": {
			Frequencies:  []string{FrequencyBeforeMeals, FrequencyBD},
			Instructions: []string{"Take 30 minutes before meals"},
			Quantity:     "14",
			QuantityUnit: "tablets",
		},
		"sedative": {
			Frequencies:  []string{FrequencyAtBedtime},
			Instructions: []string{"Take at night", "Avoid alcohol"},
			Quantity:     "7",
			QuantityUnit: "tablets",
		},
		"syrup": {
			Frequencies:  []string{FrequencyTDS},
			Instructions: []string{"Shake well before use"},
			Quantity:     "100",
			QuantityUnit: "ml",
		},
	}
}

// For returns the defaults for category: an exact keyword match first, then
// the longest keyword contained in the category, then general defaults.
func (c CategoryDefaults) For(category string) Defaults {
	cat := lower(category)
	if d, ok := c[cat]; ok {
		return d
	}

	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if k != "" && strings.Contains(cat, k) {
			return c[k]
		}
	}
	return generalDefaults
}
