package middleware

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/domain/auditlog"
	"github.com/phimarket/compliance/internal/platform/auth"
)

func TestAudit_PHIAccessOnDecrypt(t *testing.T) {
	auditor := &fakeAuditor{}
	mw := Audit(auditor, zerolog.Nop(), DefaultAuditRules())

	c, _ := newTestContext(http.MethodPost, "/api/v1/crypto/decrypt",
		withActor("doc-1"), withHeader("User-Agent", "curl/8"))
	c.Set("request_id", "rid-1")

	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auditor.count() != 1 {
		t.Fatalf("expected one audit entry, got %d", auditor.count())
	}
	call := auditor.last()
	if call.Action != auditlog.ActionPHIAccess {
		t.Errorf("expected PHI_ACCESS, got %s", call.Action)
	}
	if call.Actor.ID != "doc-1" || call.Actor.UserAgent != "curl/8" || call.Actor.IP == "" {
		t.Errorf("unexpected actor %+v", call.Actor)
	}
	if call.Details["resource"] != "crypto" || call.Details["operation"] != "create" {
		t.Errorf("unexpected details %v", call.Details)
	}
	if call.Details["requestId"] != "rid-1" {
		t.Errorf("expected request id in details, got %v", call.Details["requestId"])
	}
}

func TestAudit_FailedDecryptNotRecordedAsAccess(t *testing.T) {
	auditor := &fakeAuditor{}
	mw := Audit(auditor, zerolog.Nop(), DefaultAuditRules())
	c, _ := newTestContext(http.MethodPost, "/api/v1/crypto/field/decrypt")

	_ = mw(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "bad")
	})(c)

	if auditor.count() != 0 {
		t.Errorf("expected no entry for failed decrypt, got %d", auditor.count())
	}
}

func TestAudit_AuthorizationFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
	}{
		{"returned 401", func(echo.Context) error { return echo.NewHTTPError(http.StatusUnauthorized) }},
		{"returned 403", func(echo.Context) error { return echo.NewHTTPError(http.StatusForbidden) }},
		{"written 403", func(c echo.Context) error { return c.NoContent(http.StatusForbidden) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := &fakeAuditor{}
			c, _ := newTestContext(http.MethodGet, "/api/v1/audit/queues")
			_ = Audit(auditor, zerolog.Nop(), DefaultAuditRules())(tt.handler)(c)

			if auditor.count() != 1 || auditor.last().Action != auditlog.ActionAuthorizationFailure {
				t.Fatalf("expected AUTHORIZATION_FAILURE, got %+v", auditor.calls)
			}
			if auditor.last().Actor.Subject() != "anonymous" {
				t.Errorf("expected anonymous actor, got %s", auditor.last().Actor.Subject())
			}
		})
	}
}

func TestAudit_PassThrough(t *testing.T) {
	paths := []string{"/health", "/metrics", "/api/v1/phi/detect", "/api/v1/consents"}
	for _, p := range paths {
		auditor := &fakeAuditor{}
		c, rec := newTestContext(http.MethodPost, p)
		if err := Audit(auditor, zerolog.Nop(), DefaultAuditRules())(okHandler)(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", p, err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", p, rec.Code)
		}
		if auditor.count() != 0 {
			t.Errorf("%s: expected no audit entry", p)
		}
	}
}

func TestAudit_RecorderFailureDoesNotBreakRequest(t *testing.T) {
	var buf bytes.Buffer
	auditor := &fakeAuditor{result: auditlog.Result{State: auditlog.StateCreated, Error: "Failed to record audit log"}}
	c, rec := newTestContext(http.MethodPost, "/api/v1/crypto/decrypt")

	if err := Audit(auditor, zerolog.New(&buf), DefaultAuditRules())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "failed to record audit entry") {
		t.Errorf("expected failure log, got %s", buf.String())
	}
}

func TestAudit_MarksBreakGlass(t *testing.T) {
	auditor := &fakeAuditor{}
	rl := newBreakGlassRateLimit()
	chain := Audit(auditor, zerolog.Nop(), DefaultAuditRules())(
		breakGlassMiddleware(auditor, zerolog.Nop(), rl, fixedClock(testNow))(okHandler))

	c, _ := newTestContext(http.MethodPost, "/api/v1/crypto/decrypt",
		withActor("doc-1"), withHeader(BreakGlassHeader, "cardiac arrest"))
	if err := chain(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auditor.count() != 2 {
		t.Fatalf("expected emergency and access entries, got %d", auditor.count())
	}
	if auditor.calls[0].Action != auditlog.ActionEmergencyAccess {
		t.Errorf("expected EMERGENCY_ACCESS first, got %s", auditor.calls[0].Action)
	}
	if auditor.last().Details["breakGlass"] != true {
		t.Errorf("expected breakGlass flag on access entry, got %v", auditor.last().Details)
	}
	if got := auditor.last().Details["breakGlassReason"]; got != "cardiac arrest" {
		t.Errorf("expected break-glass reason on access entry, got %v", got)
	}
}

func TestAudit_RejectedTokenReason(t *testing.T) {
	auditor := &fakeAuditor{}
	chain := Audit(auditor, zerolog.Nop(), DefaultAuditRules())(
		auth.ActorMiddleware(auth.JWTConfig{
			SigningKey: []byte("signing-key"),
			OnFailure:  RecordAuthFailure,
		})(okHandler))

	c, _ := newTestContext(http.MethodPost, "/api/v1/crypto/decrypt",
		withHeader("Authorization", "Bearer not-a-jwt"))
	err := chain(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if auditor.count() != 1 || auditor.last().Action != auditlog.ActionAuthorizationFailure {
		t.Fatalf("expected AUTHORIZATION_FAILURE, got %+v", auditor.calls)
	}
	if reason, _ := auditor.last().Details["authError"].(string); reason == "" {
		t.Errorf("expected rejection reason in details, got %v", auditor.last().Details)
	}
}

func TestHttpMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
		http.MethodHead:   "read",
	}
	for method, want := range tests {
		if got := httpMethodToAction(method); got != want {
			t.Errorf("httpMethodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestExtractResourceType(t *testing.T) {
	tests := map[string]string{
		"/api/v1/crypto/decrypt":    "crypto",
		"/api/v1/consents/research": "consents",
		"/api/v1/audit":             "audit",
		"/api/v1/":                  "unknown",
		"/health":                   "unknown",
	}
	for path, want := range tests {
		if got := extractResourceType(path); got != want {
			t.Errorf("extractResourceType(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestMatchRule(t *testing.T) {
	rules := DefaultAuditRules()
	if got := matchRule(rules, http.MethodGet, "/api/v1/crypto/decrypt"); got != "" {
		t.Errorf("GET should not match, got %s", got)
	}
	if got := matchRule(rules, http.MethodPost, "/api/v1/crypto/encrypt"); got != "" {
		t.Errorf("encrypt should not match, got %s", got)
	}
	if got := matchRule([]AuditRule{{Prefix: "/api/v1/deid", Action: auditlog.ActionPHIExport}}, http.MethodPut, "/api/v1/deid/verify"); got != auditlog.ActionPHIExport {
		t.Errorf("method-less rule should match, got %s", got)
	}
}
