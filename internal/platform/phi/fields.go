package phi

import (
	"sort"
	"strings"
)

// FieldKind identifies how a PHI field is transformed and reported. Field
// names resolve to a kind through a FieldTable; unknown names resolve to
// KindDefault.
type FieldKind int

const (
	KindDefault FieldKind = iota
	KindName
	KindEmail
	KindPhone
	KindSSN
	KindAddress
	KindDOB
	KindAge
	KindZip
	KindMedicalRecordNumber
	KindDiagnosis
	KindMedication
	KindInsurance
)

var kindNames = map[FieldKind]string{
	KindDefault:             "default",
	KindName:                "name",
	KindEmail:               "email",
	KindPhone:               "phone",
	KindSSN:                 "ssn",
	KindAddress:             "address",
	KindDOB:                 "dob",
	KindAge:                 "age",
	KindZip:                 "zip",
	KindMedicalRecordNumber: "medicalRecordNumber",
	KindDiagnosis:           "diagnosis",
	KindMedication:          "medication",
	KindInsurance:           "insurance",
}

func (k FieldKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "default"
}

// ParseKind resolves a kind name as written in override files.
func ParseKind(s string) (FieldKind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, true
		}
	}
	return KindDefault, false
}

// DirectIdentifiers are field-name substrings that alone identify a person.
// Matching is case-insensitive.
var DirectIdentifiers = []string{
	"name",
	"address",
	"street",
	"ssn",
	"socialsecurity",
	"email",
	"phone",
	"fax",
	"medicalrecordnumber",
	"mrn",
	"healthplan",
	"insuranceid",
	"accountnumber",
	"license",
	"vehicle",
	"deviceserial",
	"ipaddress",
	"biometric",
	"photo",
}

// IndirectIdentifiers are field-name substrings that can identify a person in
// combination with other fields.
var IndirectIdentifiers = []string{
	"zip",
	"postal",
	"date",
	"dob",
	"birth",
	"admission",
	"discharge",
	"death",
	"age",
}

// MatchDirect returns the direct identifier contained in field, if any.
func MatchDirect(field string) (string, bool) {
	return matchSubstring(field, DirectIdentifiers)
}

// MatchIndirect returns the indirect identifier contained in field, if any.
func MatchIndirect(field string) (string, bool) {
	return matchSubstring(field, IndirectIdentifiers)
}

func matchSubstring(field string, list []string) (string, bool) {
	lower := strings.ToLower(field)
	for _, id := range list {
		if strings.Contains(lower, id) {
			return id, true
		}
	}
	return "", false
}

// defaultFields lists the exact, case-sensitive field names treated as PHI by
// the sanitizer.
var defaultFields = map[string]FieldKind{
	"name":                KindName,
	"firstName":           KindName,
	"lastName":            KindName,
	"fullName":            KindName,
	"patientName":         KindName,
	"email":               KindEmail,
	"emailAddress":        KindEmail,
	"phone":               KindPhone,
	"phoneNumber":         KindPhone,
	"mobile":              KindPhone,
	"ssn":                 KindSSN,
	"address":             KindAddress,
	"streetAddress":       KindAddress,
	"dob":                 KindDOB,
	"dateOfBirth":         KindDOB,
	"birthDate":           KindDOB,
	"age":                 KindAge,
	"zip":                 KindZip,
	"zipCode":             KindZip,
	"postalCode":          KindZip,
	"medicalRecordNumber": KindMedicalRecordNumber,
	"mrn":                 KindMedicalRecordNumber,
	"diagnosis":           KindDiagnosis,
	"medication":          KindMedication,
	"medications":         KindMedication,
	"insuranceId":         KindInsurance,
}

// FieldTable maps exact field names to kinds. The zero value is empty; use
// DefaultFields for the built-in table.
type FieldTable struct {
	kinds map[string]FieldKind
}

var defaultTable = FieldTable{kinds: defaultFields}

// DefaultFields returns the built-in PHI field table.
func DefaultFields() FieldTable {
	return defaultTable
}

// With returns a new table containing t plus extra. Entries in extra replace
// entries of the same name. t is not modified.
func (t FieldTable) With(extra map[string]FieldKind) FieldTable {
	merged := make(map[string]FieldKind, len(t.kinds)+len(extra))
	for k, v := range t.kinds {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return FieldTable{kinds: merged}
}

// IsPHI reports whether field is a PHI field name. Matching is exact and
// case-sensitive.
func (t FieldTable) IsPHI(field string) bool {
	_, ok := t.kinds[field]
	return ok
}

// KindOf returns the kind registered for field, or KindDefault.
func (t FieldTable) KindOf(field string) FieldKind {
	if k, ok := t.kinds[field]; ok {
		return k
	}
	return KindDefault
}

// Names returns the sorted field names in the table.
func (t FieldTable) Names() []string {
	names := make([]string, 0, len(t.kinds))
	for k := range t.kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of fields in the table.
func (t FieldTable) Len() int {
	return len(t.kinds)
}
