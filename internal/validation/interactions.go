package validation

import (
	"context"
	"strings"
)

// InteractionSource supplies the drug-interaction table. Sources are resolved
// before validation and handed to Engine.WithInteractions so the engine stays
// free of I/O.
type InteractionSource interface {
	InteractionRules(ctx context.Context) ([]InteractionRule, error)
}

// StaticInteractions is an in-memory interaction table
type StaticInteractions []InteractionRule

// DefaultInteractions returns the built-in interaction table
func DefaultInteractions() StaticInteractions {
	return StaticInteractions(defaultInteractions())
}

// InteractionRules returns a copy of the table
func (s StaticInteractions) InteractionRules(context.Context) ([]InteractionRule, error) {
	return append([]InteractionRule(nil), s...), nil
}

// MergeInteractions combines two tables. Rules are keyed by their unordered
// keyword pair; a rule in extra replaces the base rule for the same pair.
func MergeInteractions(base, extra []InteractionRule) []InteractionRule {
	out := make([]InteractionRule, 0, len(base)+len(extra))
	index := make(map[string]int, len(base)+len(extra))
	for _, list := range [][]InteractionRule{base, extra} {
		for _, rule := range list {
			k := pairKey(rule.A, rule.B)
			if i, ok := index[k]; ok {
				out[i] = rule
				continue
			}
			index[k] = len(out)
			out = append(out, rule)
		}
	}
	return out
}

func pairKey(a, b string) string {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if b < a {
		a, b = b, a
	}
	return a + "+" + b
}
