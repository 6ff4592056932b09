// Package consent tracks per-subject consent decisions. The local buffer is
// authoritative; the remote sink is a best-effort copy.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/domain/auditlog"
	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/buffer"
	"github.com/phimarket/compliance/internal/platform/ids"
	"github.com/phimarket/compliance/internal/platform/notify"
	"github.com/phimarket/compliance/internal/platform/sanitize"
	"github.com/phimarket/compliance/internal/platform/transport"
)

const (
	latestPrefix  = "consent:latest:"
	historyPrefix = "consent:history:"

	// KeyPending holds records whose sink copy has not been delivered.
	KeyPending   = "consent:pending"
	pendingLimit = 5000

	msgConsentFailed = "Failed to record consent"
	syncTimeout      = 10 * time.Second
)

// Auditor records consent changes. *auditlog.Pipeline implements it.
type Auditor interface {
	CreateAuditLog(ctx context.Context, actor auth.Actor, action string, details map[string]any) auditlog.Result
}

// Requester asks a subject for consent they have not yet given.
type Requester interface {
	RequestConsent(ctx context.Context, actor auth.Actor, t Type) (granted bool, details map[string]any, err error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRequester enables auto-request in VerifyConsent.
func WithRequester(r Requester) Option {
	return func(l *Ledger) { l.requester = r }
}

func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	buf       buffer.Buffer
	tr        transport.Transport
	audit     Auditor
	requester Requester
	notifier  notify.Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewLedger(buf buffer.Buffer, tr transport.Transport, audit Auditor, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		buf:      buf,
		tr:       tr,
		audit:    audit,
		notifier: nopNotifier{},
		logger:   logger.With().Str("component", "consent").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RecordConsent stores a decision for the actor. The only error returned is
// an invalid consent type; storage and sync failures are reported in the
// Result and never roll back each other.
func (l *Ledger) RecordConsent(ctx context.Context, actor auth.Actor, consentType string, granted bool, details map[string]any) (Result, error) {
	t, err := ParseType(consentType)
	if err != nil {
		return Result{}, err
	}

	subject := actor.Subject()
	log := l.logger.With().Str("subject_id", subject).Str("consent_type", string(t)).Logger()
	if !actor.Authenticated() {
		log.Warn().Msg("recording consent without an authenticated subject")
	}

	ctx = context.WithoutCancel(ctx)
	rec := Record{
		ID:          ids.New(),
		SubjectID:   subject,
		ConsentType: t,
		Granted:     granted,
		Timestamp:   l.now().UTC(),
		Purpose:     t.Purpose(),
		Details:     sanitize.Map(details, sanitize.Options{Mode: sanitize.ModeRedact}),
	}
	if p, ok := details["purpose"].(string); ok && p != "" {
		rec.Purpose = p
	}

	res := Result{Record: rec, Success: true}
	if err := l.storeLocal(ctx, rec); err != nil {
		log.Error().Err(err).Msg("store consent locally")
		res.Success = false
		res.Error = err.Error()
		l.notifier.Notify(ctx, notify.TopicConsent, msgConsentFailed)
	}

	sctx, cancel := context.WithTimeout(auth.WithActor(ctx, actor), syncTimeout)
	defer cancel()
	if err := l.tr.Post(sctx, transport.PathConsent, rec); err != nil {
		log.Warn().Err(err).Msg("consent sync failed, local decision kept")
		if res.Error == "" {
			res.Error = err.Error()
		}
		l.notifier.Notify(ctx, notify.TopicConsent, msgConsentFailed)
		if perr := l.markPending(ctx, rec); perr != nil {
			log.Error().Err(perr).Msg("queue consent for resync")
		}
	} else {
		res.Synced = true
	}

	action := auditlog.ActionConsentRevoked
	if granted {
		action = auditlog.ActionConsentGranted
	}
	if l.audit != nil {
		l.audit.CreateAuditLog(ctx, actor, action, map[string]any{
			"consentType": string(t),
			"granted":     granted,
			"recordId":    rec.ID,
			"purpose":     rec.Purpose,
		})
	}

	log.Info().Bool("granted", granted).Bool("synced", res.Synced).Str("record_id", rec.ID).Msg("consent recorded")
	return res, nil
}

func (l *Ledger) storeLocal(ctx context.Context, rec Record) error {
	err := buffer.UpdateJSON(ctx, l.buf, latestPrefix+rec.SubjectID, func(m map[Type]Record) (map[Type]Record, error) {
		if m == nil {
			m = make(map[Type]Record)
		}
		m[rec.ConsentType] = rec
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("update latest consent: %w", err)
	}
	if _, err := buffer.Append(ctx, l.buf, historyPrefix+rec.SubjectID, 0, rec); err != nil {
		return fmt.Errorf("append consent history: %w", err)
	}
	return nil
}

func (l *Ledger) markPending(ctx context.Context, rec Record) error {
	evicted, err := buffer.Append(ctx, l.buf, KeyPending, pendingLimit, rec)
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		l.logger.Error().Int("evicted", len(evicted)).Msg("consent resync queue full, oldest records dropped")
	}
	return nil
}

// Resync posts every pending record to the sink in order and keeps the ones
// that still fail. It returns the number delivered.
func (l *Ledger) Resync(ctx context.Context) (int, error) {
	pending, err := buffer.List[Record](ctx, l.buf, KeyPending)
	if err != nil {
		return 0, fmt.Errorf("read pending consent: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sent := make(map[string]bool, len(pending))
	var lastErr error
	for _, rec := range pending {
		sctx, cancel := context.WithTimeout(ctx, syncTimeout)
		err := l.tr.Post(sctx, transport.PathConsent, rec)
		cancel()
		if err != nil {
			lastErr = err
			// later records for the same subject must not overtake this one
			break
		}
		sent[rec.ID] = true
	}

	if len(sent) > 0 {
		_, err := buffer.UpdateList(ctx, l.buf, KeyPending, 0, func(q []Record) ([]Record, error) {
			out := q[:0:0]
			for _, r := range q {
				if !sent[r.ID] {
					out = append(out, r)
				}
			}
			return out, nil
		})
		if err != nil {
			return len(sent), fmt.Errorf("clear resynced consent: %w", err)
		}
	}
	if lastErr != nil {
		l.logger.Warn().Err(lastErr).Int("synced", len(sent)).Int("pending", len(pending)-len(sent)).Msg("consent resync incomplete")
		return len(sent), lastErr
	}
	l.logger.Info().Int("synced", len(sent)).Msg("pending consent resynced")
	return len(sent), nil
}

// Latest returns the current decision per type for the actor.
func (l *Ledger) Latest(ctx context.Context, actor auth.Actor) (map[Type]Record, error) {
	m, err := buffer.GetJSON[map[Type]Record](ctx, l.buf, latestPrefix+actor.Subject())
	if err != nil && !errors.Is(err, buffer.ErrNotFound) {
		return nil, err
	}
	if m == nil {
		m = make(map[Type]Record)
	}
	return m, nil
}

// HasConsent reports whether the actor's latest decision for consentType is
// a grant. Unknown types and read failures report false.
func (l *Ledger) HasConsent(ctx context.Context, actor auth.Actor, consentType string) bool {
	t, err := ParseType(consentType)
	if err != nil {
		return false
	}
	m, err := l.Latest(ctx, actor)
	if err != nil {
		l.logger.Error().Err(err).Str("consent_type", string(t)).Msg("read consent")
		return false
	}
	return m[t].Granted
}

// GetConsentHistory returns every decision for the actor in chronological
// order, restricted to consentType when it is non-empty.
func (l *Ledger) GetConsentHistory(ctx context.Context, actor auth.Actor, consentType string) ([]Record, error) {
	var filter Type
	if consentType != "" {
		t, err := ParseType(consentType)
		if err != nil {
			return nil, err
		}
		filter = t
	}

	all, err := buffer.List[Record](ctx, l.buf, historyPrefix+actor.Subject())
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if filter == "" || r.ConsentType == filter {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// VerifyConsent returns the current decision. When none is granted and a
// Requester is configured, the subject is asked and the answer recorded.
func (l *Ledger) VerifyConsent(ctx context.Context, actor auth.Actor, consentType string) (bool, error) {
	t, err := ParseType(consentType)
	if err != nil {
		return false, err
	}
	if l.HasConsent(ctx, actor, string(t)) {
		return true, nil
	}
	if l.requester == nil {
		return false, nil
	}

	granted, details, err := l.requester.RequestConsent(ctx, actor, t)
	if err != nil {
		l.logger.Warn().Err(err).Str("consent_type", string(t)).Msg("consent request failed")
		return false, fmt.Errorf("request consent: %w", err)
	}
	if _, err := l.RecordConsent(ctx, actor, string(t), granted, details); err != nil {
		return false, err
	}
	return granted, nil
}

// ImplicitRequester answers consent requests from a fixed policy: the listed
// types are granted implicitly, every other type is declined.
type ImplicitRequester struct {
	Grant map[Type]bool
}

// NewImplicitRequester parses names into an ImplicitRequester.
func NewImplicitRequester(names []string) (*ImplicitRequester, error) {
	r := &ImplicitRequester{Grant: make(map[Type]bool)}
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		r.Grant[t] = true
	}
	return r, nil
}

func (r *ImplicitRequester) RequestConsent(_ context.Context, _ auth.Actor, t Type) (bool, map[string]any, error) {
	return r.Grant[t], map[string]any{"source": "implicit"}, nil
}
