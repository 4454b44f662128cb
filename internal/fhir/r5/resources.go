package r5

import "strings"

// Patient is the subject of a prescription
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

// FullName returns the official name, or the first one recorded
func (p *Patient) FullName() string {
	var name *HumanName
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			name = &p.Name[i]
			break
		}
	}
	if name == nil && len(p.Name) > 0 {
		name = &p.Name[0]
	}
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	parts := append([]string(nil), name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	return strings.Join(parts, " ")
}

// Encounter statuses
const (
	EncounterPlanned    = "planned"
	EncounterInProgress = "in-progress"
	EncounterOnHold     = "on-hold"
	EncounterCompleted  = "completed"
)

// Encounter is the admission a prescription is written under
type Encounter struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id,omitempty"`
	Status       string              `json:"status"`
	Subject      *Reference          `json:"subject,omitempty"`
	Location     []EncounterLocation `json:"location,omitempty"`
}

// EncounterLocation places the patient during the encounter
type EncounterLocation struct {
	Location Reference        `json:"location"`
	Status   string           `json:"status,omitempty"` // planned | active | reserved | completed
	Form     *CodeableConcept `json:"form,omitempty"`
}

// Physical location forms
const (
	LocationWard = "wa"
	LocationBed  = "bd"
	LocationRoom = "ro"
)

// Place returns the display of the active location with the given form
func (e *Encounter) Place(form string) string {
	for _, loc := range e.Location {
		if loc.Status != "" && loc.Status != "active" {
			continue
		}
		if loc.Form.Code(SystemLocationType) == form {
			if loc.Location.Display != "" {
				return loc.Location.Display
			}
			return loc.Location.ID()
		}
	}
	return ""
}
