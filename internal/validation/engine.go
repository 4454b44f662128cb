package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

// Engine runs the prescription safety rules. An Engine is immutable after
// New and safe for concurrent use.
type Engine struct {
	rules    Ruleset
	defaults CategoryDefaults
	dosageRe *regexp.Regexp
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithRuleset replaces the built-in rule tables
func WithRuleset(rules Ruleset) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithCategoryDefaults replaces the built-in category defaults
func WithCategoryDefaults(d CategoryDefaults) Option {
	return func(e *Engine) { e.defaults = d }
}

// WithClock sets the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger used for verdict summaries
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine over the default rule tables unless overridden
func New(opts ...Option) *Engine {
	e := &Engine{
		rules:    DefaultRuleset(),
		defaults: DefaultCategoryDefaults(),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = normalizeRuleset(e.rules)
	e.dosageRe = compileDosagePattern(e.rules.UnitAliases)
	return e
}

// WithInteractions returns a copy of the engine using rules as its
// interaction table. The receiver is left untouched.
func (e *Engine) WithInteractions(rules []InteractionRule) *Engine {
	cp := *e
	cp.rules.Interactions = normalizeInteractions(rules)
	return &cp
}

// Ruleset returns the tables the engine consults. Callers must not modify
// the returned maps.
func (e *Engine) Ruleset() Ruleset {
	return e.rules
}

// Defaults returns the line defaults for a catalog category
func (e *Engine) Defaults(category string) Defaults {
	return e.defaults.For(category)
}

// NewLine creates a draft line for entry pre-filled from its category defaults
func (e *Engine) NewLine(id string, entry prescription.CatalogEntry) prescription.Line {
	return prescription.NewLine(id, entry, e.Defaults(entry.Category).LineDefaults())
}

// ValidateForm runs every check over the draft and merges the messages into
// one result: patient eligibility, then lines and draft size, then the
// cross-medication checks.
func (e *Engine) ValidateForm(draft *prescription.Draft, catalog prescription.Catalog) Result {
	var d prescription.Draft
	if draft != nil {
		d = *draft
	}

	res := e.ValidateMedications(d.Lines, catalog)
	res.Patient = ValidatePatientSelection(d.Patient)
	if len(d.Lines) > 0 {
		res.Duplicates = e.ValidateDuplicateMedications(catalog.Entries(d.Lines))
	}

	e.logger.Debug("draft validated",
		zap.Int("lines", len(d.Lines)),
		zap.Bool("valid", res.Valid()),
		zap.Strings("keys", res.Keys()))
	return res
}

// ValidateMedications validates the draft size and every line. Line errors
// are keyed by line index; size violations are reported in addition to them.
func (e *Engine) ValidateMedications(lines []prescription.Line, catalog prescription.Catalog) Result {
	var res Result
	switch {
	case len(lines) == 0:
		res.Medications = "Please add at least one medication"
		return res
	case len(lines) > e.rules.MaxLines:
		res.Medications = fmt.Sprintf("Maximum %d medications allowed per prescription", e.rules.MaxLines)
	}

	for i, line := range lines {
		fields, softExpiry := e.validateLine(line, catalog.Lookup(line.MedicationID))
		res.setLine(i, fields)
		if softExpiry {
			res.markWarning(i, FieldExpiry)
		}
	}
	return res
}

// ValidateLine validates one line against its catalog entry (nil when the
// catalog does not carry it).
func (e *Engine) ValidateLine(line prescription.Line, entry *prescription.CatalogEntry) FieldErrors {
	fields, _ := e.validateLine(line, entry)
	return fields
}

func (e *Engine) validateLine(line prescription.Line, entry *prescription.CatalogEntry) (FieldErrors, bool) {
	fields := FieldErrors{}

	if msg := e.validateMedication(entry); msg != "" {
		fields[FieldMedication] = msg
	}

	checks := []struct {
		field Field
		value string
	}{
		{FieldDosage, line.Dosage},
		{FieldFrequency, line.Frequency},
		{FieldQuantity, line.Quantity},
		{FieldInstructions, line.Instructions},
	}
	for _, c := range checks {
		if msg := e.ValidateField(c.field, c.value, entry); msg != "" {
			fields[c.field] = msg
		}
	}

	msg, soft := e.checkExpiry(entry)
	if msg != "" {
		fields[FieldExpiry] = msg
	}
	return fields, soft
}

// ValidateField validates a single field value. It backs both live per-edit
// feedback and whole-draft validation. entry may be nil.
func (e *Engine) ValidateField(field Field, value string, entry *prescription.CatalogEntry) string {
	switch field {
	case FieldDosage:
		return e.validateDosage(value)
	case FieldFrequency:
		return e.validateFrequency(value)
	case FieldQuantity:
		return e.validateQuantity(value, entry)
	case FieldInstructions:
		return e.validateInstructions(value)
	case FieldExpiry:
		msg, _ := e.checkExpiry(entry)
		return msg
	case FieldMedication:
		return e.validateMedication(entry)
	default:
		return ""
	}
}

func (e *Engine) validateMedication(entry *prescription.CatalogEntry) string {
	if entry == nil {
		return "Medication not found in catalog"
	}
	if !entry.Active {
		return fmt.Sprintf("%s is no longer active in the formulary", displayName(entry))
	}
	return ""
}

func normalizeRuleset(r Ruleset) Ruleset {
	r.DangerousPhrases = lowerAll(r.DangerousPhrases)
	r.ConcentrationCategories = lowerAll(r.ConcentrationCategories)

	contradictions := make([]ContradictionPair, len(r.Contradictions))
	for i, p := range r.Contradictions {
		contradictions[i] = ContradictionPair{A: lower(p.A), B: lower(p.B)}
	}
	r.Contradictions = contradictions

	quantity := make([]QuantityRule, len(r.QuantityRules))
	for i, q := range r.QuantityRules {
		q.Forms = lowerAll(q.Forms)
		quantity[i] = q
	}
	r.QuantityRules = quantity

	ceilings := make([]CategoryCeiling, len(r.CategoryCeilings))
	for i, c := range r.CategoryCeilings {
		c.Keywords = lowerAll(c.Keywords)
		ceilings[i] = c
	}
	r.CategoryCeilings = ceilings

	r.Interactions = normalizeInteractions(r.Interactions)
	return r
}

func normalizeInteractions(rules []InteractionRule) []InteractionRule {
	out := make([]InteractionRule, 0, len(rules))
	for _, rule := range rules {
		rule.A, rule.B = lower(rule.A), lower(rule.B)
		if rule.A == "" || rule.B == "" || rule.Message == "" {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// compileDosagePattern builds `<number, up to 3 decimals><optional space><unit>`
// over every accepted unit spelling, longest first.
func compileDosagePattern(aliases map[string]string) *regexp.Regexp {
	units := make([]string, 0, len(aliases))
	for u := range aliases {
		units = append(units, regexp.QuoteMeta(u))
	}
	sort.Slice(units, func(i, j int) bool {
		if len(units[i]) != len(units[j]) {
			return len(units[i]) > len(units[j])
		}
		return units[i] < units[j]
	})
	return regexp.MustCompile(`(?i)^(\d+(?:\.\d{1,3})?)\s?(` + strings.Join(units, "|") + `)$`)
}

func displayName(entry *prescription.CatalogEntry) string {
	if name := strings.TrimSpace(entry.Name); name != "" {
		return name
	}
	return "This medication"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = lower(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
