package sanitize

import (
	"strings"
	"unicode"

	"github.com/phimarket/compliance/internal/platform/phi"
)

type masker func(v any) any

var maskers = map[phi.FieldKind]masker{
	phi.KindDefault: maskDefault,
	phi.KindEmail:   maskEmail,
	phi.KindSSN:     maskSSN,
	phi.KindName:    maskName,
	phi.KindPhone:   maskPhone,
}

func maskerFor(kind phi.FieldKind) masker {
	if m, ok := maskers[kind]; ok {
		return m
	}
	return maskers[phi.KindDefault]
}

// maskEmail keeps the first and last character of the username and the whole
// domain: jane.doe@x.com -> j*******e@x.com.
func maskEmail(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return maskDefault(s)
	}
	user := []rune(s[:at])
	domain := s[at:]
	switch len(user) {
	case 0:
		return s
	case 1:
		return "*" + domain
	}
	return string(user[0]) + strings.Repeat("*", len(user)-1) + string(user[len(user)-1]) + domain
}

// maskSSN keeps the last four digits.
func maskSSN(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	digits := onlyDigits(s)
	if len(digits) < 4 {
		return strings.Repeat("*", len(s))
	}
	return "***-**-" + digits[len(digits)-4:]
}

// maskName keeps the first character.
func maskName(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	return string(r[0]) + strings.Repeat("*", len(r)-1)
}

// maskPhone masks the middle four digits and keeps the formatting.
func maskPhone(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	r := []rune(s)
	var positions []int
	for i, c := range r {
		if unicode.IsDigit(c) {
			positions = append(positions, i)
		}
	}
	if len(positions) <= 4 {
		return maskDefault(s)
	}
	start := (len(positions) - 4) / 2
	for _, p := range positions[start : start+4] {
		r[p] = '*'
	}
	return string(r)
}

// maskDefault keeps the first and last character of strings longer than two
// characters. Shorter strings are fully masked; other values pass through.
func maskDefault(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	r := []rune(s)
	if len(r) <= 2 {
		return strings.Repeat("*", len(r))
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
}
