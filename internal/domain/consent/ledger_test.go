package consent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/domain/auditlog"
	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/buffer"
	"github.com/phimarket/compliance/internal/platform/notify"
	"github.com/phimarket/compliance/internal/platform/policy"
	"github.com/phimarket/compliance/internal/platform/transport"
)

// mockAuditor records audit calls.
type mockAuditor struct {
	mu      sync.Mutex
	actions []string
	details []map[string]any
}

func (m *mockAuditor) CreateAuditLog(_ context.Context, _ auth.Actor, action string, details map[string]any) auditlog.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	m.details = append(m.details, details)
	return auditlog.Result{Success: true, State: auditlog.StateDelivered}
}

type mockRequester struct {
	granted bool
	err     error
	calls   int
}

func (m *mockRequester) RequestConsent(context.Context, auth.Actor, Type) (bool, map[string]any, error) {
	m.calls++
	return m.granted, map[string]any{"source": "prompt"}, m.err
}

var subject = auth.Actor{ID: "patient-1", Credential: "tok"}

type fixture struct {
	ledger  *Ledger
	buf     *buffer.Memory
	audit   *mockAuditor
	notes   *notify.Recorder
	posts   []any
	postErr error
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{buf: buffer.NewMemory(), audit: &mockAuditor{}, notes: &notify.Recorder{}}
	tr := transport.Func(func(_ context.Context, path string, body any) error {
		if path != transport.PathConsent {
			t.Errorf("unexpected path %s", path)
		}
		f.posts = append(f.posts, body)
		return f.postErr
	})
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	opts = append([]Option{
		WithNotifier(f.notes),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	}, opts...)
	f.ledger = NewLedger(f.buf, tr, f.audit, zerolog.Nop(), opts...)
	return f
}

func TestParseType(t *testing.T) {
	for _, ct := range Types {
		if got, err := ParseType(string(ct)); err != nil || got != ct {
			t.Errorf("ParseType(%q) = %q, %v", ct, got, err)
		}
		if ct.Purpose() == "" {
			t.Errorf("%s has no default purpose", ct)
		}
	}
	for _, bad := range []string{"", "Research", "analytics"} {
		_, err := ParseType(bad)
		if !errors.Is(err, ErrInvalidConsentType) {
			t.Errorf("ParseType(%q): expected ErrInvalidConsentType, got %v", bad, err)
		}
		if !errors.Is(err, policy.ErrValidation) {
			t.Errorf("ParseType(%q): expected a validation error", bad)
		}
	}
}

func TestRecordConsent_GrantThenRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.RecordConsent(ctx, subject, "research", true, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !f.ledger.HasConsent(ctx, subject, "research") {
		t.Fatal("expected consent after grant")
	}
	if _, err := f.ledger.RecordConsent(ctx, subject, "research", false, nil); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.ledger.HasConsent(ctx, subject, "research") {
		t.Error("expected no consent after revoke")
	}

	history, err := f.ledger.GetConsentHistory(ctx, subject, "research")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if !history[0].Granted || history[1].Granted {
		t.Errorf("expected grant then revoke, got %+v", history)
	}
	if !history[0].Timestamp.Before(history[1].Timestamp) {
		t.Error("history must be chronological")
	}

	want := []string{auditlog.ActionConsentGranted, auditlog.ActionConsentRevoked}
	if len(f.audit.actions) != 2 || f.audit.actions[0] != want[0] || f.audit.actions[1] != want[1] {
		t.Errorf("expected audit actions %v, got %v", want, f.audit.actions)
	}
}

func TestRecordConsent_InvalidType(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.RecordConsent(context.Background(), subject, "newsletter", true, nil)
	if !errors.Is(err, ErrInvalidConsentType) {
		t.Fatalf("expected ErrInvalidConsentType, got %v", err)
	}
	if len(f.posts) != 0 || len(f.audit.actions) != 0 {
		t.Error("invalid consent must have no side effects")
	}
}

func TestRecordConsent_RemoteFailureKeepsLocal(t *testing.T) {
	f := newFixture(t)
	f.postErr = errors.New("sink unavailable")
	ctx := context.Background()

	res, err := f.ledger.RecordConsent(ctx, subject, "data_sharing", true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Synced {
		t.Errorf("expected local success without sync, got %+v", res)
	}
	if !f.ledger.HasConsent(ctx, subject, "data_sharing") {
		t.Error("remote failure must not roll back the local decision")
	}
	if len(f.audit.actions) != 1 {
		t.Error("audit entry must be emitted regardless of remote failure")
	}
	calls := f.notes.Calls()
	if len(calls) != 1 || calls[0].Message != msgConsentFailed {
		t.Errorf("expected one notification, got %+v", calls)
	}
}

func TestResync_DeliversPendingAfterRecovery(t *testing.T) {
	f := newFixture(t)
	f.postErr = errors.New("sink unavailable")
	ctx := context.Background()

	for _, ct := range []string{"data_sharing", "marketing"} {
		if res, _ := f.ledger.RecordConsent(ctx, subject, ct, true, nil); res.Synced {
			t.Fatalf("expected unsynced result for %s", ct)
		}
	}
	pending, err := buffer.List[Record](ctx, f.buf, KeyPending)
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending records, got %d (%v)", len(pending), err)
	}

	n, err := f.ledger.Resync(ctx)
	if err == nil || n != 0 {
		t.Errorf("resync while sink is down: got n=%d err=%v", n, err)
	}

	f.postErr = nil
	f.posts = nil
	n, err = f.ledger.Resync(ctx)
	if err != nil || n != 2 {
		t.Fatalf("resync after recovery: got n=%d err=%v", n, err)
	}
	if len(f.posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(f.posts))
	}
	if first := f.posts[0].(Record); first.ConsentType != TypeDataSharing {
		t.Errorf("records must resync in order, first was %s", first.ConsentType)
	}
	pending, _ = buffer.List[Record](ctx, f.buf, KeyPending)
	if len(pending) != 0 {
		t.Errorf("pending list must be empty after resync, got %d", len(pending))
	}

	if n, err := f.ledger.Resync(ctx); n != 0 || err != nil || len(f.posts) != 2 {
		t.Errorf("empty resync must not post: n=%d err=%v", n, err)
	}
}

func TestResync_SyncedRecordNotPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.RecordConsent(ctx, subject, "research", false, nil); err != nil {
		t.Fatal(err)
	}
	pending, _ := buffer.List[Record](ctx, f.buf, KeyPending)
	if len(pending) != 0 {
		t.Errorf("synced record must not be queued, got %d", len(pending))
	}
}

func TestRecordConsent_AnonymousFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ledger.RecordConsent(ctx, auth.Actor{}, "marketing", true, nil)
	if err != nil {
		t.Fatalf("anonymous consent should not fail: %v", err)
	}
	if res.Record.SubjectID != auth.AnonymousSubject {
		t.Errorf("expected fallback subject, got %q", res.Record.SubjectID)
	}
	if !f.ledger.HasConsent(ctx, auth.Actor{}, "marketing") {
		t.Error("anonymous decision should be readable")
	}
	if f.ledger.HasConsent(ctx, subject, "marketing") {
		t.Error("decisions must be scoped per subject")
	}
}

func TestRecordConsent_Record(t *testing.T) {
	f := newFixture(t)
	res, err := f.ledger.RecordConsent(context.Background(), subject, "third_party", true,
		map[string]any{"purpose": "Share with Acme Labs", "email": "jane@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := res.Record
	if rec.ID == "" || rec.SubjectID != "patient-1" || rec.ConsentType != TypeThirdParty {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Purpose != "Share with Acme Labs" {
		t.Errorf("expected purpose from details, got %q", rec.Purpose)
	}
	if rec.Details["email"] != "[REDACTED EMAIL]" {
		t.Errorf("expected PHI in details to be redacted, got %v", rec.Details["email"])
	}
	if !res.Synced || len(f.posts) != 1 {
		t.Errorf("expected one sync post, got %d", len(f.posts))
	}
	if posted, ok := f.posts[0].(Record); !ok || posted.ID != rec.ID {
		t.Errorf("expected the record to be posted, got %#v", f.posts[0])
	}
	if f.audit.details[0]["recordId"] != rec.ID {
		t.Errorf("audit details should reference the record, got %v", f.audit.details[0])
	}
}

func TestGetConsentHistory_AllTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.RecordConsent(ctx, subject, "research", true, nil)
	f.ledger.RecordConsent(ctx, subject, "emergency", true, nil)
	f.ledger.RecordConsent(ctx, subject, "research", false, nil)

	all, err := f.ledger.GetConsentHistory(ctx, subject, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[1].ConsentType != TypeEmergency {
		t.Errorf("expected chronological order, got %+v", all)
	}

	if _, err := f.ledger.GetConsentHistory(ctx, subject, "bogus"); !errors.Is(err, ErrInvalidConsentType) {
		t.Errorf("expected ErrInvalidConsentType, got %v", err)
	}

	empty, err := f.ledger.GetConsentHistory(ctx, auth.Actor{ID: "nobody"}, "")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty history, got %v %v", empty, err)
	}
}

func TestHasConsent_UnknownType(t *testing.T) {
	f := newFixture(t)
	if f.ledger.HasConsent(context.Background(), subject, "bogus") {
		t.Error("unknown type must report false")
	}
}

func TestVerifyConsent(t *testing.T) {
	ctx := context.Background()

	t.Run("already granted", func(t *testing.T) {
		req := &mockRequester{}
		f := newFixture(t, WithRequester(req))
		f.ledger.RecordConsent(ctx, subject, "research", true, nil)
		ok, err := f.ledger.VerifyConsent(ctx, subject, "research")
		if err != nil || !ok {
			t.Fatalf("expected granted, got %v %v", ok, err)
		}
		if req.calls != 0 {
			t.Error("requester must not be asked when consent exists")
		}
	})

	t.Run("no requester", func(t *testing.T) {
		f := newFixture(t)
		ok, err := f.ledger.VerifyConsent(ctx, subject, "research")
		if err != nil || ok {
			t.Errorf("expected false, got %v %v", ok, err)
		}
	})

	t.Run("auto request persists answer", func(t *testing.T) {
		req := &mockRequester{granted: true}
		f := newFixture(t, WithRequester(req))
		ok, err := f.ledger.VerifyConsent(ctx, subject, "data_sharing")
		if err != nil || !ok {
			t.Fatalf("expected granted, got %v %v", ok, err)
		}
		if !f.ledger.HasConsent(ctx, subject, "data_sharing") {
			t.Error("requested answer must be persisted")
		}
	})

	t.Run("declined is persisted", func(t *testing.T) {
		f := newFixture(t, WithRequester(&mockRequester{granted: false}))
		ok, _ := f.ledger.VerifyConsent(ctx, subject, "marketing")
		if ok {
			t.Error("expected declined")
		}
		history, _ := f.ledger.GetConsentHistory(ctx, subject, "marketing")
		if len(history) != 1 || history[0].Granted {
			t.Errorf("expected one declined record, got %+v", history)
		}
	})

	t.Run("requester failure", func(t *testing.T) {
		f := newFixture(t, WithRequester(&mockRequester{err: errors.New("dialog closed")}))
		if _, err := f.ledger.VerifyConsent(ctx, subject, "research"); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("invalid type", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.ledger.VerifyConsent(ctx, subject, "bogus"); !errors.Is(err, ErrInvalidConsentType) {
			t.Errorf("expected ErrInvalidConsentType, got %v", err)
		}
	})
}

func TestImplicitRequester(t *testing.T) {
	r, err := NewImplicitRequester([]string{"emergency"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := newFixture(t, WithRequester(r))
	ctx := context.Background()

	if ok, _ := f.ledger.VerifyConsent(ctx, subject, "emergency"); !ok {
		t.Error("emergency consent should be implied")
	}
	if ok, _ := f.ledger.VerifyConsent(ctx, subject, "marketing"); ok {
		t.Error("marketing consent must not be implied")
	}

	if _, err := NewImplicitRequester([]string{"everything"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestLedger_WithPipeline(t *testing.T) {
	buf := buffer.NewMemory()
	var paths []string
	var mu sync.Mutex
	tr := transport.Func(func(_ context.Context, path string, _ any) error {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, path)
		return nil
	})
	p := auditlog.NewPipeline(buf, tr, auditlog.Config{}, zerolog.Nop())
	l := NewLedger(buf, tr, p, zerolog.Nop())

	if _, err := l.RecordConsent(context.Background(), subject, "research", true, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(paths) != 2 || paths[0] != transport.PathConsent || paths[1] != transport.PathAuditLog {
		t.Errorf("expected consent sync then immediate audit delivery, got %v", paths)
	}
}
