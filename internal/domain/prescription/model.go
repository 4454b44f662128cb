// Package prescription holds the prescription draft model, the catalog
// collaborators and the submission aggregate.
package prescription

import (
	"strings"
	"time"
)

// MaxLines is the largest number of medication lines a draft may carry
const MaxLines = 10

// Patient is the selected patient together with the caller-supplied
// active-admission context.
type Patient struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AdmissionID string `json:"admission_id,omitempty"`
	Ward        string `json:"ward,omitempty"`
	Bed         string `json:"bed,omitempty"`
}

// CatalogEntry is reference data for one prescribable drug.
type CatalogEntry struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	GenericName  string     `json:"generic_name"`
	Category     string     `json:"category"`
	Strength     string     `json:"strength,omitempty"`
	DosageForm   string     `json:"dosage_form"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	CurrentStock *int       `json:"current_stock,omitempty"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	Active       bool       `json:"active"`
}

// Form returns the normalized dosage form
func (e *CatalogEntry) Form() string {
	return strings.ToLower(strings.TrimSpace(e.DosageForm))
}

// Catalog is an immutable snapshot of catalog entries keyed by ID
type Catalog map[string]CatalogEntry

// Lookup returns the entry for id, or nil when the catalog does not carry it
func (c Catalog) Lookup(id string) *CatalogEntry {
	entry, ok := c[id]
	if !ok {
		return nil
	}
	return &entry
}

// Entries returns the catalog entries referenced by lines, in line order,
// skipping lines whose medication is unknown.
func (c Catalog) Entries(lines []Line) []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(lines))
	for _, l := range lines {
		if e, ok := c[l.MedicationID]; ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// NewCatalog indexes entries by ID. Later entries win on ID collision.
func NewCatalog(entries []CatalogEntry) Catalog {
	c := make(Catalog, len(entries))
	for _, e := range entries {
		c[e.ID] = e
	}
	return c
}

// Line is one ordered drug within a draft.
type Line struct {
	ID           string `json:"id,omitempty"`
	MedicationID string `json:"medication_id"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Quantity     string `json:"quantity"`
	Instructions string `json:"instructions,omitempty"`
	Route        string `json:"route,omitempty"`
	Notes        string `json:"notes,omitempty"`
	Urgent       bool   `json:"urgent,omitempty"`
}

// LineDefaults pre-fills a line created from a catalog entry
type LineDefaults struct {
	Frequency    string
	Instructions string
	Quantity     string
}

// NewLine creates a line for entry, pre-filled from defaults
func NewLine(id string, entry CatalogEntry, defaults LineDefaults) Line {
	return Line{
		ID:           id,
		MedicationID: entry.ID,
		Frequency:    defaults.Frequency,
		Quantity:     defaults.Quantity,
		Instructions: defaults.Instructions,
	}
}

// Draft is the in-progress prescription being edited.
type Draft struct {
	Patient   *Patient  `json:"patient,omitempty"`
	Lines     []Line    `json:"lines"`
	StartDate time.Time `json:"start_date,omitempty"`
}

// MedicationIDs returns the catalog IDs referenced by the draft
func (d *Draft) MedicationIDs() []string {
	ids := make([]string, 0, len(d.Lines))
	seen := make(map[string]bool, len(d.Lines))
	for _, l := range d.Lines {
		if l.MedicationID == "" || seen[l.MedicationID] {
			continue
		}
		seen[l.MedicationID] = true
		ids = append(ids, l.MedicationID)
	}
	return ids
}
