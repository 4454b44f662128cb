package validation

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

func (e *Engine) validateQuantity(value string, entry *prescription.CatalogEntry) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return "Quantity is required"
	}

	q, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(q) || math.IsInf(q, 0) {
		return "Quantity must be a valid number"
	}
	if q <= 0 {
		return "Quantity must be greater than 0"
	}
	if q > e.rules.MaxQuantity {
		return fmt.Sprintf("Quantity cannot exceed %s", formatNumber(e.rules.MaxQuantity))
	}
	if entry == nil {
		return ""
	}

	if entry.CurrentStock != nil && q > float64(*entry.CurrentStock) {
		return fmt.Sprintf("Only %d available in stock", *entry.CurrentStock)
	}

	form := entry.Form()
	for _, rule := range e.rules.QuantityRules {
		if !containsString(rule.Forms, form) {
			continue
		}
		if msg := rule.check(v, q, form); msg != "" {
			return msg
		}
		break
	}

	category := lower(entry.Category)
	for _, c := range e.rules.CategoryCeilings {
		if containsAny(category, c.Keywords) && q > c.Max {
			return fmt.Sprintf("Quantity for %s medications cannot exceed %s",
				strings.Join(c.Keywords, "/"), formatNumber(c.Max))
		}
	}
	return ""
}

func (r QuantityRule) check(typed string, q float64, form string) string {
	label := capitalize(form)
	if r.Step > 0 && !isMultiple(typed, r.Step) {
		if r.Step == 1 {
			return fmt.Sprintf("%s quantity must be a whole number", label)
		}
		return fmt.Sprintf("%s quantity must be in multiples of %s", label, formatNumber(r.Step))
	}
	if r.MaxDecimals >= 0 && decimalPlaces(q) > r.MaxDecimals {
		return fmt.Sprintf("%s quantity can have at most %d decimal place(s)", label, r.MaxDecimals)
	}
	if r.Min > 0 && q < r.Min {
		return strings.TrimSpace(fmt.Sprintf("Minimum %s quantity is %s %s", form, formatNumber(r.Min), r.Unit))
	}
	return ""
}

// isMultiple reports whether the quantity as typed is an exact multiple of
// step. Both are compared as decimals, so "1.5000000001" is not a multiple
// of 0.5.
func isMultiple(typed string, step float64) bool {
	q, ok := new(big.Rat).SetString(typed)
	if !ok {
		return false
	}
	s, ok := new(big.Rat).SetString(strconv.FormatFloat(step, 'f', -1, 64))
	if !ok || s.Sign() == 0 {
		return false
	}
	return q.Quo(q, s).IsInt()
}

// decimalPlaces counts digits after the point in the shortest representation
func decimalPlaces(q float64) int {
	s := strconv.FormatFloat(q, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}
