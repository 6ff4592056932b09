// Package sanitize produces PHI-safe copies of arbitrary JSON-like values.
// PHI fields are located by exact name through a phi.FieldTable and
// transformed according to the requested mode; the input is never mutated.
package sanitize

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/phi"
)

// Mode selects how PHI fields are transformed.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeRedact  Mode = "redact"
	ModeMask    Mode = "mask"
)

// ParseMode parses a mode name. The empty string is ModeDefault.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeRedact:
		return ModeRedact, nil
	case ModeMask:
		return ModeMask, nil
	}
	return "", fmt.Errorf("unknown sanitize mode %q", s)
}

// Options controls a Sanitize call.
type Options struct {
	Mode Mode
	// IncludeFields restricts PHI processing to the listed field names.
	// PHI fields not listed pass through unchanged.
	IncludeFields []string
	// ExcludeFields are removed from the output at every depth.
	ExcludeFields []string
	// Fields overrides the PHI field table. Nil uses phi.DefaultFields.
	Fields *phi.FieldTable
	// Logger receives rule failures. Nil discards them.
	Logger *zerolog.Logger
}

const redactedPrefix = "[REDACTED "

// RedactedToken returns the placeholder written for a redacted string field.
func RedactedToken(field string) string {
	return redactedPrefix + strings.ToUpper(field) + "]"
}

func isRedactedToken(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, redactedPrefix) && strings.HasSuffix(s, "]")
}

type walker struct {
	mode    Mode
	table   phi.FieldTable
	include map[string]bool
	exclude map[string]bool
	logger  zerolog.Logger
}

// Sanitize returns a sanitized deep copy of data. Arrays are mapped element
// by element, objects key by key, and primitives are returned unchanged.
func Sanitize(data any, opts Options) any {
	w := &walker{
		mode:    opts.Mode,
		table:   phi.DefaultFields(),
		include: toSet(opts.IncludeFields),
		exclude: toSet(opts.ExcludeFields),
		logger:  zerolog.Nop(),
	}
	if w.mode == "" {
		w.mode = ModeDefault
	}
	if opts.Fields != nil {
		w.table = *opts.Fields
	}
	if opts.Logger != nil {
		w.logger = *opts.Logger
	}
	return w.walk(data)
}

// Map is Sanitize for the common map case.
func Map(data map[string]any, opts Options) map[string]any {
	if data == nil {
		return nil
	}
	out, _ := Sanitize(data, opts).(map[string]any)
	return out
}

func toSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, f := range list {
		set[f] = true
	}
	return set
}

func (w *walker) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if w.exclude[k] {
				continue
			}
			if w.isTarget(k) {
				out[k] = w.apply(k, val)
				continue
			}
			out[k] = w.walk(val)
		}
		return out
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return w.walk(m)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = w.walk(el)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = w.walk(el)
		}
		return out
	default:
		return v
	}
}

func (w *walker) isTarget(field string) bool {
	if !w.table.IsPHI(field) {
		return false
	}
	return w.include == nil || w.include[field]
}

func (w *walker) apply(field string, v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("field", field).Str("panic", fmt.Sprint(r)).Msg("sanitize rule panicked")
			out = nil
		}
	}()

	switch w.mode {
	case ModeRedact:
		if _, ok := v.(string); ok {
			if isRedactedToken(v) {
				return v
			}
			return RedactedToken(field)
		}
		return nil
	case ModeMask:
		if isRedactedToken(v) {
			return v
		}
		switch v.(type) {
		case map[string]any, []any, []map[string]any:
			return w.walk(v)
		}
		return maskerFor(w.table.KindOf(field))(v)
	default:
		if isRedactedToken(v) {
			return v
		}
		switch v.(type) {
		case map[string]any, []any, []map[string]any:
			return w.walk(v)
		}
		res, err := ruleFor(w.table.KindOf(field))(v)
		if err != nil {
			w.logger.Warn().Err(err).Str("field", field).Msg("sanitize rule failed; value dropped")
			return nil
		}
		return res
	}
}
