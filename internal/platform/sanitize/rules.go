package sanitize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/phimarket/compliance/internal/platform/phi"
)

// Rule transforms a PHI field value in default mode.
type Rule func(v any) (any, error)

// rules is the default-mode rule table. Kinds without an entry use the
// KindDefault rule.
var rules = map[phi.FieldKind]Rule{
	phi.KindDefault: trimRule,
	phi.KindAge:     ageRule,
	phi.KindZip:     zipRule,
	phi.KindEmail:   emailRule,
	phi.KindDOB:     dobRule,
	phi.KindPhone:   phoneRule,
	phi.KindSSN:     func(v any) (any, error) { return maskSSN(v), nil },
}

func ruleFor(kind phi.FieldKind) Rule {
	if r, ok := rules[kind]; ok {
		return r
	}
	return rules[phi.KindDefault]
}

func trimRule(v any) (any, error) {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return v, nil
}

// ageRule generalizes ages of 90 and over to "90+".
func ageRule(v any) (any, error) {
	age, ok := toFloat(v)
	if !ok {
		return v, nil
	}
	if age >= 90 {
		return "90+", nil
	}
	return v, nil
}

// zipRule keeps the first three digits of a ZIP code.
func zipRule(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	digits := onlyDigits(fmt.Sprint(v))
	if len(digits) < 3 {
		return "***", nil
	}
	return digits[:3] + "**", nil
}

func emailRule(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

var dobLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006/01/02",
}

// dobRule keeps only the year of a date of birth.
func dobRule(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return strconv.Itoa(t.Year()), nil
		}
	}
	return nil, fmt.Errorf("unrecognised date format")
}

// phoneRule normalises a phone number to its digits.
func phoneRule(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return onlyDigits(s), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
