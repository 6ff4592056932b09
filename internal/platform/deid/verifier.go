// Package deid checks records against the HIPAA Safe Harbor identifier list.
package deid

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/phi"
)

// Issue types.
const (
	IssueDirect   = "direct_identifier"
	IssueIndirect = "indirect_identifier"
	IssueEmbedded = "embedded_phi"
)

// Issue is a single Safe Harbor finding.
type Issue struct {
	Type           string   `json:"type"`
	Field          string   `json:"field"`
	PHITypes       []string `json:"phiTypes,omitempty"`
	Recommendation string   `json:"recommendation"`
}

// Report is the outcome of a verification. PassesHIPAA only requires the
// absence of direct identifiers; IsDeIdentified requires no issues at all.
type Report struct {
	IsDeIdentified bool    `json:"isDeIdentified"`
	Issues         []Issue `json:"issues"`
	PassesHIPAA    bool    `json:"passesHIPAA"`
}

// DirectCount returns the number of direct_identifier issues.
func (r Report) DirectCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Type == IssueDirect {
			n++
		}
	}
	return n
}

const (
	recRemove = "Remove this field completely"
	recRedact = "Remove or redact PHI from this text"
)

var indirectRecommendations = map[string]string{
	"zip":       "Truncate to the first 3 digits",
	"postal":    "Truncate to the first 3 digits",
	"date":      "Reduce to year only",
	"dob":       "Reduce to year only",
	"birth":     "Reduce to year only",
	"admission": "Reduce to year only",
	"discharge": "Reduce to year only",
	"death":     "Reduce to year only",
	"age":       "Aggregate ages 90 and over into a single 90+ category",
}

// Verifier runs Safe Harbor checks and logs internal failures.
type Verifier struct {
	logger zerolog.Logger
}

func NewVerifier(logger zerolog.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// Verify inspects data and reports identifiers it finds. A key matching a
// direct identifier is reported once and its value is not inspected further;
// otherwise an indirect match is reported the same way. Remaining objects are
// walked recursively, and string values are scanned for embedded PHI.
//
// Verify never panics. On internal failure it returns a report that fails
// both checks with no issues.
func (v *Verifier) Verify(data any) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error().Str("panic", fmt.Sprint(r)).Msg("de-identification check failed")
			report = Report{Issues: []Issue{}}
		}
	}()

	issues := []Issue{}
	walk(data, "", &issues)
	report = Report{Issues: issues, IsDeIdentified: len(issues) == 0}
	report.PassesHIPAA = report.DirectCount() == 0
	return report
}

// Verify runs a Verifier that discards its logs.
func Verify(data any) Report {
	return NewVerifier(zerolog.Nop()).Verify(data)
}

func walk(v any, path string, issues *[]Issue) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			checkField(k, t[k], join(path, k), issues)
		}
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		walk(m, path, issues)
	case []any:
		for i, el := range t {
			switch el.(type) {
			case map[string]any, map[string]string:
				walk(el, join(path, strconv.Itoa(i)), issues)
			}
		}
	case []map[string]any:
		for i, el := range t {
			walk(el, join(path, strconv.Itoa(i)), issues)
		}
	}
}

func checkField(key string, val any, path string, issues *[]Issue) {
	if !isEmpty(val) {
		if _, ok := phi.MatchDirect(key); ok {
			*issues = append(*issues, Issue{Type: IssueDirect, Field: path, Recommendation: recRemove})
			return
		}
		if id, ok := phi.MatchIndirect(key); ok {
			*issues = append(*issues, Issue{Type: IssueIndirect, Field: path, Recommendation: indirectRecommendations[id]})
			return
		}
	}

	if s, ok := val.(string); ok {
		if res := phi.ContainsPHI(s); res.HasPHI {
			*issues = append(*issues, Issue{
				Type:           IssueEmbedded,
				Field:          path,
				PHITypes:       res.Types,
				Recommendation: recRedact,
			})
		}
		return
	}
	walk(val, path, issues)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
