package auditlog

import (
	"time"

	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/ids"
	"github.com/phimarket/compliance/internal/platform/sanitize"
)

// Actions.
const (
	ActionPHIAccess            = "PHI_ACCESS"
	ActionPHIDownload          = "PHI_DOWNLOAD"
	ActionPHIExport            = "PHI_EXPORT"
	ActionDataDownload         = "DATA_DOWNLOAD"
	ActionConsentGranted       = "CONSENT_GRANTED"
	ActionConsentRevoked       = "CONSENT_REVOKED"
	ActionConsentChanged       = "CONSENT_CHANGED"
	ActionEmergencyAccess      = "EMERGENCY_ACCESS"
	ActionAuthorizationFailure = "AUTHORIZATION_FAILURE"
	ActionBreachAttempt        = "BREACH_ATTEMPT"

	ActionLogin        = "LOGIN"
	ActionLogout       = "LOGOUT"
	ActionRegistration = "USER_REGISTRATION"
	ActionDataUpload   = "DATA_UPLOAD"
)

var sensitiveActions = map[string]bool{
	ActionPHIAccess:            true,
	ActionPHIDownload:          true,
	ActionPHIExport:            true,
	ActionDataDownload:         true,
	ActionConsentGranted:       true,
	ActionConsentRevoked:       true,
	ActionConsentChanged:       true,
	ActionEmergencyAccess:      true,
	ActionAuthorizationFailure: true,
	ActionBreachAttempt:        true,
}

// IsSensitive reports whether action must be delivered synchronously.
func IsSensitive(action string) bool {
	return sensitiveActions[action]
}

// State is the lifecycle position of an entry.
type State string

const (
	StateCreated       State = "CREATED"
	StateQueued        State = "QUEUED"
	StateDelivered     State = "DELIVERED"
	StateLocalFallback State = "LOCAL_FALLBACK"
	StateRetryQueued   State = "RETRY_QUEUED"
	StateAbandoned     State = "ABANDONED"
)

// Entry is an immutable audit record. Details are a sanitized deep copy.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Sensitive bool           `json:"sensitive"`
}

// NewEntry builds an entry for actor. PHI fields in details are redacted.
func NewEntry(actor auth.Actor, action string, details map[string]any, now time.Time) Entry {
	return Entry{
		ID:        ids.NewSortable(now),
		Action:    action,
		Timestamp: now.UTC(),
		Actor:     actor.Subject(),
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		Details:   sanitize.Map(details, sanitize.Options{Mode: sanitize.ModeRedact}),
		Sensitive: IsSensitive(action),
	}
}

// RetryEntry is an entry awaiting redelivery.
type RetryEntry struct {
	Entry       Entry     `json:"entry"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`
	NextAttempt time.Time `json:"nextAttempt"`
	LastError   string    `json:"lastError,omitempty"`
}

// Result is returned by CreateAuditLog. It never carries a Go error.
type Result struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Stored  bool   `json:"stored,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
	Error   string `json:"error,omitempty"`
	State   State  `json:"state"`
}

// Report summarises a Flush, RetryPass or DrainLocal run.
type Report struct {
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Requeued  int    `json:"requeued"`
	Abandoned int    `json:"abandoned"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Queues holds the length of every queue in the buffer.
type Queues struct {
	Batch     int `json:"batch"`
	Retry     int `json:"retry"`
	Local     int `json:"local"`
	Abandoned int `json:"abandoned"`
}

type batchBody struct {
	Entries []Entry `json:"entries"`
}
