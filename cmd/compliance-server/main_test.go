package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/config"
	"github.com/phimarket/compliance/internal/domain/consent"
	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/buffer"
	"github.com/phimarket/compliance/internal/platform/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                  "development",
		AuthSigningKey:       "test-signing-key",
		AuditBatchSize:       10,
		AuditQueueLimit:      100,
		AuditRetryLimit:      100,
		AuditMaxAttempts:     5,
		AuditDeliveryTimeout: time.Second,
		AuditRetryInterval:   time.Minute,
		NotifyWindow:         time.Minute,
		RateLimitRPS:         100,
		RateLimitBurst:       200,
		BodyLimit:            "1M",
		RequestTimeout:       5 * time.Second,
	}
}

func TestBuildTransport(t *testing.T) {
	logger := zerolog.Nop()

	cfg := testConfig()
	cfg.AuditSinkURL = "https://sink.example.com"
	if _, ok := buildTransport(cfg, nil, nil, logger).(*transport.HTTPTransport); !ok {
		t.Error("expected HTTP transport when AUDIT_SINK_URL is set")
	}

	cfg = testConfig()
	tr := buildTransport(cfg, nil, nil, logger)
	if _, ok := tr.(transport.Func); !ok {
		t.Fatalf("expected log-only transport, got %T", tr)
	}
	if err := tr.Post(context.Background(), transport.PathAuditLog, map[string]any{}); err != nil {
		t.Errorf("log-only transport should accept everything: %v", err)
	}
}

func TestBuildTransport_SinkToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"token configured", "svc-token", "Bearer svc-token"},
		{"no token", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Authorization")
				w.WriteHeader(http.StatusAccepted)
			}))
			defer srv.Close()

			cfg := testConfig()
			cfg.AuditSinkURL = srv.URL
			cfg.AuditSinkToken = tt.token
			tr := buildTransport(cfg, nil, nil, zerolog.Nop())
			if err := tr.Post(context.Background(), transport.PathAuditBatch, map[string]any{"entries": []any{}}); err != nil {
				t.Fatalf("post: %v", err)
			}
			if got != tt.want {
				t.Errorf("Authorization: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON output in production, got %q", buf.String())
	}

	buf.Reset()
	logger = newLogger("development", &buf)
	logger.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected console output in development, got %q", buf.String())
	}
}

func TestServerRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()
	e := a.server(ctx)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  bool
		want   int
	}{
		{"health", http.MethodGet, "/health", "", false, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", false, http.StatusOK},
		{"detect", http.MethodPost, "/api/v1/phi/detect", `{"text":"SSN 123-45-6789"}`, false, http.StatusOK},
		{"notifications anonymous", http.MethodGet, "/api/v1/admin/notifications", "", false, http.StatusUnauthorized},
		{"notifications officer", http.MethodGet, "/api/v1/admin/notifications", "", true, http.StatusOK},
		{"unknown route", http.MethodGet, "/api/v1/nope", "", false, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			if tt.token {
				var tok bytes.Buffer
				if err := issueToken(&tok, []byte("test-signing-key"), "officer-1", "compliance_officer", time.Minute); err != nil {
					t.Fatalf("issue token: %v", err)
				}
				req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(tok.String()))
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestApp_TickResyncsConsent(t *testing.T) {
	var healthy atomic.Bool
	var consentPosts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == transport.PathConsent {
			consentPosts.Add(1)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.AuditSinkURL = srv.URL
	cfg.AuditSinkToken = "svc-token"
	a, err := buildApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	patient := auth.Actor{ID: "patient-9", Credential: "tok"}
	res, err := a.ledger.RecordConsent(ctx, patient, "research", true, nil)
	if err != nil || res.Synced {
		t.Fatalf("expected unsynced consent, got %+v (%v)", res, err)
	}

	healthy.Store(true)
	a.pipeline.Tick(ctx)
	a.pipeline.Wait()

	if got := consentPosts.Load(); got != 1 {
		t.Errorf("expected one consent resync post, got %d", got)
	}
	pending, err := buffer.List[consent.Record](ctx, a.buf, consent.KeyPending)
	if err != nil || len(pending) != 0 {
		t.Errorf("pending consent should be drained, got %d (%v)", len(pending), err)
	}
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()

	clean := filepath.Join(dir, "clean.json")
	if err := os.WriteFile(clean, []byte(`{"diagnosis":"J45","visitYear":2019}`), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := verifyFile(nil, &out, clean, true); err != nil {
		t.Fatalf("expected clean record to pass: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), `"passesHIPAA": true`) {
		t.Errorf("unexpected report %s", out.String())
	}

	dirty := filepath.Join(dir, "dirty.json")
	if err := os.WriteFile(dirty, []byte(`{"ssn":"123-45-6789"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := verifyFile(nil, &out, dirty, false); !errors.Is(err, errNotDeidentified) {
		t.Errorf("expected errNotDeidentified, got %v", err)
	}

	out.Reset()
	if err := verifyFile(strings.NewReader(`{"ssn":"123-45-6789"}`), &out, "-", false); !errors.Is(err, errNotDeidentified) {
		t.Errorf("stdin: expected errNotDeidentified, got %v", err)
	}

	if err := verifyFile(strings.NewReader(`not json`), &out, "-", false); err == nil {
		t.Error("expected parse error")
	}
	if err := verifyFile(nil, &out, filepath.Join(dir, "missing.json"), false); err == nil {
		t.Error("expected open error")
	}
}

func TestKeygenCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if got := strings.TrimSpace(out.String()); len(got) != 64 {
		t.Errorf("expected 64 hex chars, got %q", got)
	}
}

func TestIssueToken_SplitsRoles(t *testing.T) {
	var out bytes.Buffer
	if err := issueToken(&out, []byte("k"), "u1", " admin, ,compliance_officer ", time.Minute); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.Count(strings.TrimSpace(out.String()), ".") != 2 {
		t.Errorf("expected a JWT, got %q", out.String())
	}
}
