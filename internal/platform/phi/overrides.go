package phi

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldOverride declares an additional PHI field name in an overrides file.
type FieldOverride struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type overridesFile struct {
	Fields []FieldOverride `yaml:"fields"`
}

// LoadFieldOverrides reads a YAML document of the form
//
//	fields:
//	  - name: guardianName
//	    kind: name
//	  - name: memberNumber
//	    kind: insurance
//
// and returns base extended with the declared fields. Unknown kinds are
// rejected so a typo cannot silently downgrade a field to the default rule.
func LoadFieldOverrides(r io.Reader, base FieldTable) (FieldTable, error) {
	var doc overridesFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return base, nil
		}
		return base, fmt.Errorf("phi overrides: decode: %w", err)
	}

	extra := make(map[string]FieldKind, len(doc.Fields))
	for i, f := range doc.Fields {
		if f.Name == "" {
			return base, fmt.Errorf("phi overrides: field %d: name is required", i)
		}
		kind := KindDefault
		if f.Kind != "" {
			k, ok := ParseKind(f.Kind)
			if !ok {
				return base, fmt.Errorf("phi overrides: field %q: unknown kind %q", f.Name, f.Kind)
			}
			kind = k
		}
		extra[f.Name] = kind
	}
	return base.With(extra), nil
}

// LoadFieldOverridesFile is LoadFieldOverrides for a file path. An empty path
// returns base unchanged.
func LoadFieldOverridesFile(path string, base FieldTable) (FieldTable, error) {
	if path == "" {
		return base, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("phi overrides: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFieldOverrides(f, base)
}
