package sanitize

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/phi"
)

func TestHandler_Sanitize(t *testing.T) {
	h := NewHandler(phi.DefaultFields(), zerolog.Nop())

	tests := []struct {
		name     string
		query    string
		body     string
		wantCode int
		check    func(t *testing.T, out map[string]any)
	}{
		{
			name:  "redact",
			query: "?mode=redact",
			body:  `{"ssn":"123-45-6789","note":"ok"}`,
			check: func(t *testing.T, out map[string]any) {
				if out["ssn"] != RedactedToken("ssn") {
					t.Errorf("ssn = %v", out["ssn"])
				}
				if out["note"] != "ok" {
					t.Errorf("note = %v", out["note"])
				}
			},
		},
		{
			name:  "exclude drops field",
			query: "?mode=redact&exclude=ssn,note",
			body:  `{"ssn":"123-45-6789","note":"ok","email":"a@b.com"}`,
			check: func(t *testing.T, out map[string]any) {
				if _, ok := out["ssn"]; ok {
					t.Errorf("excluded field should be dropped, got %v", out)
				}
				if _, ok := out["note"]; ok {
					t.Errorf("excluded field should be dropped, got %v", out)
				}
				if out["email"] != RedactedToken("email") {
					t.Errorf("email = %v", out["email"])
				}
			},
		},
		{name: "bad mode", query: "?mode=shred", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "bad body", body: `{`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sanitize"+tt.query, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			err := h.Sanitize(e.NewContext(req, rec))

			if tt.wantCode != 0 {
				he, ok := err.(*echo.HTTPError)
				if !ok || he.Code != tt.wantCode {
					t.Fatalf("expected %d, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var out map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			tt.check(t, out)
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" ssn, ,email ")
	if len(got) != 2 || got[0] != "ssn" || got[1] != "email" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}
