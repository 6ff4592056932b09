// Package phi detects Protected Health Information in free text and
// classifies record field names against the HIPAA Safe Harbor identifier
// categories (45 CFR 164.514(b)(2)).
//
// Detection is heuristic. The patterns are deliberately loose: a false
// positive costs a redaction, a false negative leaks PHI.
package phi

import "regexp"

// Pattern is a named PHI regular expression.
type Pattern struct {
	Type string
	Expr *regexp.Regexp
}

// PHI type names reported by ContainsPHI.
const (
	TypeSSN                 = "ssn"
	TypeEmail               = "email"
	TypePhone               = "phone"
	TypeDOB                 = "dob"
	TypeMedicalRecordNumber = "medicalRecordNumber"
	TypeZipCode             = "zipCode"
)

var patterns = []Pattern{
	// 123-45-6789, 123 45 6789, 123456789
	{TypeSSN, regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`)},
	{TypeEmail, regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)},
	// (555) 123-4567, 555-123-4567, 555.123.4567, +1 555 123 4567
	{TypePhone, regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	// 03/15/1985, 3-15-85, 1985-03-15
	{TypeDOB, regexp.MustCompile(`\b(?:(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12]\d|3[01])[/-](?:\d{4}|\d{2})|(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01]))\b`)},
	// MRN: 0012345, medical record number #A1234567
	{TypeMedicalRecordNumber, regexp.MustCompile(`(?i)\b(?:mrn|medical\s+record(?:\s+(?:number|no\.?))?)[\s:#-]*[a-z0-9-]{4,}\b`)},
	// 02139, 02139-4307
	{TypeZipCode, regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)},
}

// Patterns returns a copy of the pattern table in evaluation order.
func Patterns() []Pattern {
	out := make([]Pattern, len(patterns))
	copy(out, patterns)
	return out
}

// Result is the outcome of a PHI scan.
type Result struct {
	HasPHI bool     `json:"hasPHI"`
	Types  []string `json:"types"`
}

// ContainsPHI applies every pattern to v and reports all matching PHI types
// in table order. Values that are not strings never contain PHI.
func ContainsPHI(v any) Result {
	text, ok := v.(string)
	if !ok || text == "" {
		return Result{Types: []string{}}
	}

	types := make([]string, 0, 2)
	for _, p := range patterns {
		if p.Expr.MatchString(text) {
			types = append(types, p.Type)
		}
	}
	return Result{HasPHI: len(types) > 0, Types: types}
}
