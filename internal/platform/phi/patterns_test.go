package phi

import (
	"testing"
)

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func TestContainsPHI_DetectsEachType(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"ssn dashed", "SSN 123-45-6789 on file", TypeSSN},
		{"ssn spaced", "123 45 6789", TypeSSN},
		{"ssn bare", "ssn:123456789", TypeSSN},
		{"email", "contact jane.doe@example.com today", TypeEmail},
		{"email upper", "JANE@EXAMPLE.ORG", TypeEmail},
		{"phone dashed", "call 555-123-4567", TypePhone},
		{"phone parens", "(555) 123-4567", TypePhone},
		{"phone dotted", "555.123.4567", TypePhone},
		{"phone intl", "+1 555 123 4567", TypePhone},
		{"dob slashes", "born 03/15/1985", TypeDOB},
		{"dob short year", "3-15-85", TypeDOB},
		{"dob iso", "1985-03-15", TypeDOB},
		{"mrn", "MRN: 00123456", TypeMedicalRecordNumber},
		{"mrn spelled", "medical record number A1234567", TypeMedicalRecordNumber},
		{"zip", "Cambridge MA 02139", TypeZipCode},
		{"zip plus four", "02139-4307", TypeZipCode},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ContainsPHI(tc.input)
			if !res.HasPHI {
				t.Fatalf("ContainsPHI(%q).HasPHI = false, want true", tc.input)
			}
			if !containsType(res.Types, tc.want) {
				t.Errorf("ContainsPHI(%q).Types = %v, want it to include %q", tc.input, res.Types, tc.want)
			}
		})
	}
}

func TestContainsPHI_ReportsAllMatches(t *testing.T) {
	res := ContainsPHI("Jane (jane@example.com, 555-123-4567) SSN 123-45-6789")
	for _, want := range []string{TypeSSN, TypeEmail, TypePhone} {
		if !containsType(res.Types, want) {
			t.Errorf("expected %q in %v", want, res.Types)
		}
	}
}

func TestContainsPHI_PhoneOnly(t *testing.T) {
	res := ContainsPHI("call 555-123-4567")
	if len(res.Types) != 1 || res.Types[0] != TypePhone {
		t.Errorf("Types = %v, want [phone]", res.Types)
	}
}

func TestContainsPHI_NonString(t *testing.T) {
	for _, v := range []any{nil, 123456789, 5551234567.0, true, map[string]any{"ssn": "123-45-6789"}, []string{"a@b.co"}} {
		res := ContainsPHI(v)
		if res.HasPHI {
			t.Errorf("ContainsPHI(%T) = true, want false", v)
		}
		if res.Types == nil {
			t.Errorf("ContainsPHI(%T).Types is nil, want empty slice", v)
		}
	}
}

func TestContainsPHI_Clean(t *testing.T) {
	for _, s := range []string{"", "dataset v2 of cardiology outcomes", "count 42", "price 19.99"} {
		if res := ContainsPHI(s); res.HasPHI {
			t.Errorf("ContainsPHI(%q) = %v, want no PHI", s, res.Types)
		}
	}
}

func TestPatterns_ReturnsCopy(t *testing.T) {
	p := Patterns()
	if len(p) != 6 {
		t.Fatalf("expected 6 patterns, got %d", len(p))
	}
	p[0].Type = "mutated"
	if Patterns()[0].Type != TypeSSN {
		t.Error("Patterns must return a copy of the table")
	}
}
