// Package validation implements the prescription safety checks run before a
// draft may be submitted.
//
// Every rule consults a Ruleset: a registry of plain data tables (dosage
// limits, frequency enumeration, unsafe phrases, contradiction pairs,
// interaction pairs, quantity granularity by dosage form). New rules are
// added as rows, not as branches. The Engine is pure: it performs no I/O and
// holds no mutable state, so one Engine can serve every request concurrently.
package validation

import "time"

// DosageLimit bounds the magnitude accepted for one canonical dosage unit
type DosageLimit struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// QuantityRule constrains quantity granularity for a group of dosage forms
type QuantityRule struct {
	Forms []string
	// Step is the granularity the quantity must be a multiple of (0 disables)
	Step float64
	// MaxDecimals limits decimal digits (negative disables)
	MaxDecimals int
	// Min is the smallest quantity accepted (0 disables)
	Min  float64
	Unit string
}

// CategoryCeiling caps quantity for categories containing any keyword
type CategoryCeiling struct {
	Keywords []string
	Max      float64
}

// ContradictionPair names two instruction phrases that cannot coexist
type ContradictionPair struct {
	A string `mapstructure:"a" json:"a"`
	B string `mapstructure:"b" json:"b"`
}

// InteractionRule fires when both keywords appear among the selected
// medications' names or generic names.
type InteractionRule struct {
	A        string `mapstructure:"a" json:"a"`
	B        string `mapstructure:"b" json:"b"`
	Category string `mapstructure:"category" json:"category,omitempty"`
	Message  string `mapstructure:"message" json:"message"`
}

// Ruleset is the static registry consulted by every rule function
type Ruleset struct {
	// UnitAliases maps every accepted dosage unit spelling to its canonical unit
	UnitAliases  map[string]string
	DosageLimits map[string]DosageLimit
	Frequencies  []string

	MaxQuantity      float64
	QuantityRules    []QuantityRule
	CategoryCeilings []CategoryCeiling

	MinInstructionLength int
	MaxInstructionLength int
	DangerousPhrases     []string
	Contradictions       []ContradictionPair

	Interactions []InteractionRule
	// ConcentrationCategories are broad classes flagged when more than
	// ConcentrationLimit lines fall into one of them
	ConcentrationCategories []string
	ConcentrationLimit      int

	ExpiryWarningWindow time.Duration
	MaxLines            int
}

// Frequencies accepted on a prescription line
const (
	FrequencyOD           = "Once daily (OD)"
	FrequencyBD           = "Twice daily (BD)"
	FrequencyTDS          = "Three times daily (TDS)"
	FrequencyQDS          = "Four times daily (QDS)"
	FrequencyPRN          = "As needed (PRN)"
	FrequencyBeforeMeals  = "Before meals"
	FrequencyAfterMeals   = "After meals"
	FrequencyAtBedtime    = "At bedtime"
	FrequencySlidingScale = "As per sliding scale"
)

// DefaultRuleset returns the built-in rule tables. Each call returns a fresh
// copy that the caller may extend.
func DefaultRuleset() Ruleset {
	return Ruleset{
		UnitAliases: map[string]string{
			"mg": "mg", "g": "g", "ml": "ml",
			"mcg": "mcg", "μg": "mcg", "µg": "mcg",
			"iu":   "iu",
			"unit": "unit", "units": "unit",
			"tab": "tab", "tabs": "tab",
			"cap": "cap", "caps": "cap",
			"drop": "drop", "drops": "drop",
			"puff": "puff", "puffs": "puff",
			"spray": "spray", "sprays": "spray",
			"patch": "patch", "patches": "patch",
		},
		DosageLimits: map[string]DosageLimit{
			"mg":    {Min: 0.1, Max: 5000},
			"g":     {Min: 0.01, Max: 50},
			"ml":    {Min: 0.1, Max: 1000},
			"mcg":   {Min: 1, Max: 10000},
			"iu":    {Min: 1, Max: 100000},
			"unit":  {Min: 1, Max: 1000},
			"tab":   {Min: 0.25, Max: 20},
			"cap":   {Min: 1, Max: 10},
			"puff":  {Min: 1, Max: 20},
			"spray": {Min: 1, Max: 10},
			"patch": {Min: 0.5, Max: 10},
		},
		Frequencies: []string{
			FrequencyOD,
			FrequencyBD,
			FrequencyTDS,
			FrequencyQDS,
			FrequencyPRN,
			FrequencyBeforeMeals,
			FrequencyAfterMeals,
			FrequencyAtBedtime,
			FrequencySlidingScale,
		},

		MaxQuantity: 1000,
		QuantityRules: []QuantityRule{
			{Forms: []string{"tablet", "capsule", "suppository", "patch"}, Step: 0.5, MaxDecimals: -1},
			{Forms: []string{"injection", "vial", "ampoule"}, Step: 1, MaxDecimals: -1},
			{Forms: []string{"syrup", "suspension", "solution"}, MaxDecimals: 1, Min: 5, Unit: "ml"},
		},
		CategoryCeilings: []CategoryCeiling{
			{Keywords: []string{"controlled", "narcotic"}, Max: 30},
		},

		MinInstructionLength: 3,
		MaxInstructionLength: 500,
		DangerousPhrases: []string{
			"overdose",
			"double dose",
			"unlimited",
			"as much as",
			"inject",
			"entire bottle",
			"all at once",
			"no limit",
		},
		Contradictions: []ContradictionPair{
			{A: "with food", B: "on empty stomach"},
			{A: "before meals", B: "after meals"},
			{A: "morning", B: "bedtime"},
			{A: "with milk", B: "avoid dairy"},
		},

		Interactions:            defaultInteractions(),
		ConcentrationCategories: []string{"analgesic", "antibiotic", "antihypertensive", "diuretic"},
		ConcentrationLimit:      2,

		ExpiryWarningWindow: 30 * 24 * time.Hour,
		MaxLines:            10,
	}
}

func defaultInteractions() []InteractionRule {
	return []InteractionRule{
		// bleeding
		{A: "warfarin", B: "aspirin", Category: "bleeding", Message: "Warfarin + Aspirin: increased risk of bleeding"},
		{A: "warfarin", B: "ibuprofen", Category: "bleeding", Message: "Warfarin + Ibuprofen: increased risk of bleeding"},
		{A: "warfarin", B: "clopidogrel", Category: "bleeding", Message: "Warfarin + Clopidogrel: increased risk of bleeding"},
		{A: "aspirin", B: "clopidogrel", Category: "bleeding", Message: "Aspirin + Clopidogrel: dual antiplatelet therapy, monitor for bleeding"},
		{A: "heparin", B: "aspirin", Category: "bleeding", Message: "Heparin + Aspirin: increased risk of bleeding"},

		// cardiovascular
		{A: "digoxin", B: "amiodarone", Category: "cardiovascular", Message: "Digoxin + Amiodarone: risk of digoxin toxicity"},
		{A: "verapamil", B: "atenolol", Category: "cardiovascular", Message: "Verapamil + Atenolol: risk of bradycardia and heart block"},
		{A: "sildenafil", B: "nitroglycerin", Category: "cardiovascular", Message: "Sildenafil + Nitroglycerin: risk of severe hypotension"},
		{A: "spironolactone", B: "potassium", Category: "cardiovascular", Message: "Spironolactone + Potassium: risk of hyperkalaemia"},

		// CNS / serotonin
		{A: "tramadol", B: "sertraline", Category: "cns", Message: "Tramadol + Sertraline: risk of serotonin syndrome"},
		{A: "tramadol", B: "fluoxetine", Category: "cns", Message: "Tramadol + Fluoxetine: risk of serotonin syndrome"},
		{A: "morphine", B: "diazepam", Category: "cns", Message: "Morphine + Diazepam: risk of respiratory depression"},
		{A: "codeine", B: "alprazolam", Category: "cns", Message: "Codeine + Alprazolam: risk of excessive sedation"},

		// diabetic
		{A: "metformin", B: "insulin", Category: "diabetic", Message: "Metformin + Insulin: monitor for hypoglycaemia"},
		{A: "glipizide", B: "insulin", Category: "diabetic", Message: "Glipizide + Insulin: high risk of hypoglycaemia"},

		// antibiotic
		{A: "clarithromycin", B: "simvastatin", Category: "antibiotic", Message: "Clarithromycin + Simvastatin: risk of myopathy"},
		{A: "ciprofloxacin", B: "theophylline", Category: "antibiotic", Message: "Ciprofloxacin + Theophylline: risk of theophylline toxicity"},
		{A: "metronidazole", B: "warfarin", Category: "antibiotic", Message: "Metronidazole + Warfarin: enhanced anticoagulant effect"},

		// gastric
		{A: "omeprazole", B: "clopidogrel", Category: "gastric", Message: "Omeprazole + Clopidogrel: reduced antiplatelet effect"},
		{A: "ibuprofen", B: "prednisolone", Category: "gastric", Message: "Ibuprofen + Prednisolone: increased risk of GI bleeding"},

		// same class
		{A: "lisinopril", B: "enalapril", Category: "same-class", Message: "Two ACE inhibitors prescribed together (Lisinopril + Enalapril)"},
		{A: "ibuprofen", B: "diclofenac", Category: "same-class", Message: "Two NSAIDs prescribed together (Ibuprofen + Diclofenac)"},
		{A: "ibuprofen", B: "naproxen", Category: "same-class", Message: "Two NSAIDs prescribed together (Ibuprofen + Naproxen)"},
	}
}
