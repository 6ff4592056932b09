package consent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phimarket/compliance/internal/platform/policy"
)

// Type is a consent purpose.
type Type string

const (
	TypeDataSharing Type = "data_sharing"
	TypeResearch    Type = "research"
	TypeMarketing   Type = "marketing"
	TypeThirdParty  Type = "third_party"
	TypeEmergency   Type = "emergency"
)

// Types lists every valid consent type.
var Types = []Type{TypeDataSharing, TypeResearch, TypeMarketing, TypeThirdParty, TypeEmergency}

var purposes = map[Type]string{
	TypeDataSharing: "Share de-identified data with approved dataset buyers",
	TypeResearch:    "Use data in approved research studies",
	TypeMarketing:   "Receive marketing communications",
	TypeThirdParty:  "Disclose data to named third parties",
	TypeEmergency:   "Allow break-glass access during a medical emergency",
}

// ErrInvalidConsentType is returned for a type outside Types.
var ErrInvalidConsentType = policy.E(policy.KindValidation, "consent", errors.New("invalid consent type"))

// ParseType validates s as a consent type.
func ParseType(s string) (Type, error) {
	t := Type(strings.TrimSpace(s))
	if _, ok := purposes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidConsentType, s)
	}
	return t, nil
}

// Purpose returns the default purpose text for t.
func (t Type) Purpose() string {
	return purposes[t]
}

// Record is one consent decision.
type Record struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subjectId"`
	ConsentType Type           `json:"consentType"`
	Granted     bool           `json:"granted"`
	Timestamp   time.Time      `json:"timestamp"`
	Purpose     string         `json:"purpose"`
	Details     map[string]any `json:"details,omitempty"`
}

// Result describes a RecordConsent call. Success reflects the local write;
// Synced reports whether the remote sink accepted the record.
type Result struct {
	Success bool   `json:"success"`
	Synced  bool   `json:"synced"`
	Record  Record `json:"record"`
	Error   string `json:"error,omitempty"`
}
