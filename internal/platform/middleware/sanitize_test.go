package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newSanitizeEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.Use(Sanitize(logger))
	e.GET("/*", okHandler)
	e.POST("/*", okHandler)
	return e
}

func withQuery(req *http.Request, key, value string) {
	q := req.URL.Query()
	q.Set(key, value)
	req.URL.RawQuery = q.Encode()
}

func assertInvalidRequest(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["code"] != "INVALID_REQUEST" || body["message"] == "" {
		t.Errorf("unexpected error body %v", body)
	}
}

func TestSanitize_Blocked(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
	}{
		{"dot dot", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil) }},
		{"encoded dot dot", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/%2e%2e/%2e%2e/etc/passwd", nil) }},
		{"double encoded", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/%252e%252e/etc", nil) }},
		{"null byte in path", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/v1/%00", nil) }},
		{"null byte in query", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/consents", nil)
			withQuery(r, "type", "research\x00")
			return r
		}},
		{"header newline", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header["X-Custom"] = []string{"value\r\nInjected: true"}
			return r
		}},
		{"oversized header", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("X-Big", strings.Repeat("a", maxHeaderValueSize+1))
			return r
		}},
		{"script tag", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/test", nil)
			withQuery(r, "name", "<script>alert(1)</script>")
			return r
		}},
		{"javascript uri", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/test", nil)
			withQuery(r, "url", "javascript:alert(1)")
			return r
		}},
		{"event handler", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/test", nil)
			withQuery(r, "val", "onload=alert(1)")
			return r
		}},
	}
	e := newSanitizeEcho(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, tt.build())
			assertInvalidRequest(t, rec)
		})
	}
}

func TestSanitize_NormalRequests(t *testing.T) {
	e := newSanitizeEcho(zerolog.Nop())
	paths := []string{
		"/api/v1/consents/research",
		"/api/v1/consents/history?type=marketing",
		"/api/v1/audit/queues/retry?limit=20&offset=0",
		"/health",
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("path %s: expected 200, got %d", p, rec.Code)
		}
	}
}

func TestSanitize_SQLInjectionWarningPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	e := newSanitizeEcho(zerolog.New(&buf))

	values := []string{
		"'; DROP TABLE consent_record;--",
		"1 UNION SELECT * FROM users",
		"' OR 1=1--",
		"1=1",
	}
	for _, v := range values {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		withQuery(req, "name", v)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%q: expected 200 (pass-through), got %d", v, rec.Code)
		}
		if !strings.Contains(buf.String(), "potential SQL injection") {
			t.Errorf("%q: expected SQL injection warning in logs", v)
		}
	}
}

func TestSanitize_PHIInQueryIsLoggedWithoutValue(t *testing.T) {
	var buf bytes.Buffer
	e := newSanitizeEcho(zerolog.New(&buf))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/consents", nil)
	withQuery(req, "patient", "123-45-6789")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "PHI detected in query parameter") || !strings.Contains(out, `"ssn"`) {
		t.Errorf("expected PHI warning, got %s", out)
	}
	if strings.Contains(out, "123-45-6789") {
		t.Error("PHI value must not be logged")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello\x00world", "helloworld"},
		{"a\x01b\x7fc", "abc"},
		{"line1\nline2\tx\ry", "line1\nline2\tx\ry"},
		{"  padded  ", "padded"},
		{"", ""},
		{"\x00\x00", ""},
		{"Zoë Müller 東京", "Zoë Müller 東京"},
	}
	for _, tt := range tests {
		if got := SanitizeString(tt.in); got != tt.want {
			t.Errorf("SanitizeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
