package validation

import (
	"fmt"

	"github.com/spf13/viper"
)

// RulesetFile is the on-disk extension to the built-in tables. Any format
// viper reads (YAML, JSON, TOML) is accepted.
type RulesetFile struct {
	Interactions     []InteractionRule      `mapstructure:"interactions"`
	DangerousPhrases []string               `mapstructure:"dangerous_phrases"`
	Contradictions   []ContradictionPair    `mapstructure:"contradictions"`
	DosageLimits     map[string]DosageLimit `mapstructure:"dosage_limits"`
}

// LoadRulesetFile reads path and merges it over base
func LoadRulesetFile(path string, base Ruleset) (Ruleset, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return base, fmt.Errorf("failed to read ruleset file: %w", err)
	}

	var f RulesetFile
	if err := v.Unmarshal(&f); err != nil {
		return base, fmt.Errorf("failed to decode ruleset file: %w", err)
	}
	return f.Apply(base), nil
}

// Apply returns base extended with the file's rows. base is not modified.
func (f RulesetFile) Apply(base Ruleset) Ruleset {
	out := base
	out.Interactions = MergeInteractions(base.Interactions, f.Interactions)

	out.DangerousPhrases = append([]string(nil), base.DangerousPhrases...)
	seen := make(map[string]bool, len(out.DangerousPhrases))
	for _, p := range out.DangerousPhrases {
		seen[lower(p)] = true
	}
	for _, p := range f.DangerousPhrases {
		if k := lower(p); k != "" && !seen[k] {
			seen[k] = true
			out.DangerousPhrases = append(out.DangerousPhrases, k)
		}
	}

	out.Contradictions = append(append([]ContradictionPair(nil), base.Contradictions...), f.Contradictions...)

	out.DosageLimits = make(map[string]DosageLimit, len(base.DosageLimits)+len(f.DosageLimits))
	for unit, limit := range base.DosageLimits {
		out.DosageLimits[unit] = limit
	}
	for unit, limit := range f.DosageLimits {
		out.DosageLimits[lower(unit)] = limit
	}
	return out
}
