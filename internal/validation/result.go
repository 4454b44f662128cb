package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field names a validated line field
type Field string

const (
	FieldDosage       Field = "dosage"
	FieldFrequency    Field = "frequency"
	FieldQuantity     Field = "quantity"
	FieldInstructions Field = "instructions"
	FieldExpiry       Field = "expiry"
	FieldMedication   Field = "medication"
)

// Top-level result keys
const (
	KeyPatient     = "patient"
	KeyMedications = "medications"
	KeyDuplicates  = "duplicates"
	lineKeyPrefix  = "medication_"
)

// LineKey returns the result key for the line at index
func LineKey(index int) string {
	return lineKeyPrefix + strconv.Itoa(index)
}

// FieldErrors maps a line field to its message
type FieldErrors map[Field]string

// Result is a validation verdict. It marshals to a flat JSON object keyed
// by "patient", "medications", "duplicates" and "medication_<index>"; an
// empty object means the draft may be submitted.
type Result struct {
	Patient     string
	Medications string
	Duplicates  string
	Lines       map[int]FieldErrors

	// warnings holds "<lineKey>.<field>" for soft messages
	warnings map[string]bool
}

// Valid reports whether the result carries no messages
func (r Result) Valid() bool {
	return r.Len() == 0
}

// Len returns the number of top-level keys
func (r Result) Len() int {
	n := len(r.Lines)
	for _, s := range []string{r.Patient, r.Medications, r.Duplicates} {
		if s != "" {
			n++
		}
	}
	return n
}

// Keys returns the top-level keys in display order
func (r Result) Keys() []string {
	keys := make([]string, 0, r.Len())
	if r.Patient != "" {
		keys = append(keys, KeyPatient)
	}
	if r.Medications != "" {
		keys = append(keys, KeyMedications)
	}
	for _, i := range r.lineIndexes() {
		keys = append(keys, LineKey(i))
	}
	if r.Duplicates != "" {
		keys = append(keys, KeyDuplicates)
	}
	return keys
}

// Line returns the field errors for the line at index (nil when clean)
func (r Result) Line(index int) FieldErrors {
	return r.Lines[index]
}

// IsWarning reports whether the message at lineKey/field is advisory only.
// Advisory messages still count towards Len and Valid.
func (r Result) IsWarning(lineKey string, field Field) bool {
	return r.warnings[lineKey+"."+string(field)]
}

// Issue is one leaf message of a result
type Issue struct {
	Key     string
	Field   Field
	Message string
	Warning bool
}

// Issues flattens the result in display order
func (r Result) Issues() []Issue {
	var issues []Issue
	if r.Patient != "" {
		issues = append(issues, Issue{Key: KeyPatient, Message: r.Patient})
	}
	if r.Medications != "" {
		issues = append(issues, Issue{Key: KeyMedications, Message: r.Medications})
	}
	for _, i := range r.lineIndexes() {
		key := LineKey(i)
		fields := r.Lines[i]
		names := make([]string, 0, len(fields))
		for f := range fields {
			names = append(names, string(f))
		}
		sort.Strings(names)
		for _, f := range names {
			issues = append(issues, Issue{
				Key:     key,
				Field:   Field(f),
				Message: fields[Field(f)],
				Warning: r.IsWarning(key, Field(f)),
			})
		}
	}
	if r.Duplicates != "" {
		issues = append(issues, Issue{Key: KeyDuplicates, Message: r.Duplicates})
	}
	return issues
}

// MarshalJSON renders the flat key shape
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, r.Len())
	if r.Patient != "" {
		out[KeyPatient] = r.Patient
	}
	if r.Medications != "" {
		out[KeyMedications] = r.Medications
	}
	if r.Duplicates != "" {
		out[KeyDuplicates] = r.Duplicates
	}
	for i, fields := range r.Lines {
		out[LineKey(i)] = fields
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the flat key shape. Severity is not carried on the
// wire, so every decoded message is blocking.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{}
	for key, value := range raw {
		switch {
		case key == KeyPatient:
			if err := json.Unmarshal(value, &r.Patient); err != nil {
				return err
			}
		case key == KeyMedications:
			if err := json.Unmarshal(value, &r.Medications); err != nil {
				return err
			}
		case key == KeyDuplicates:
			if err := json.Unmarshal(value, &r.Duplicates); err != nil {
				return err
			}
		case strings.HasPrefix(key, lineKeyPrefix):
			index, err := strconv.Atoi(strings.TrimPrefix(key, lineKeyPrefix))
			if err != nil {
				return fmt.Errorf("invalid line key %q", key)
			}
			var fields FieldErrors
			if err := json.Unmarshal(value, &fields); err != nil {
				return err
			}
			r.setLine(index, fields)
		default:
			return fmt.Errorf("unknown result key %q", key)
		}
	}
	return nil
}

func (r *Result) setLine(index int, fields FieldErrors) {
	if len(fields) == 0 {
		return
	}
	if r.Lines == nil {
		r.Lines = make(map[int]FieldErrors)
	}
	r.Lines[index] = fields
}

func (r *Result) markWarning(index int, field Field) {
	if r.warnings == nil {
		r.warnings = make(map[string]bool)
	}
	r.warnings[LineKey(index)+"."+string(field)] = true
}

func (r Result) lineIndexes() []int {
	idx := make([]int, 0, len(r.Lines))
	for i := range r.Lines {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}
