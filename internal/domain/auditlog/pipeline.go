// Package auditlog routes audit entries to the remote sink. Sensitive
// actions are delivered immediately, everything else is batched, and every
// failed delivery is retried from a bounded queue until a fixed ceiling.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/buffer"
	"github.com/phimarket/compliance/internal/platform/notify"
	"github.com/phimarket/compliance/internal/platform/policy"
	"github.com/phimarket/compliance/internal/platform/transport"
	"github.com/phimarket/compliance/pkg/pagination"
)

// Buffer keys.
const (
	KeyQueue     = "audit:queue"
	KeyRetry     = "audit:retry"
	KeyLocal     = "audit:local"
	KeyAbandoned = "audit:abandoned"
)

const msgAuditFailed = "Failed to record audit log"

// Config tunes the pipeline. Zero fields take the DefaultConfig value,
// except RetryRPS where zero disables throttling.
type Config struct {
	BatchSize       int
	QueueLimit      int
	RetryLimit      int
	LocalLimit      int
	AbandonedLimit  int
	MaxAttempts     int
	DeliveryTimeout time.Duration
	// RetryInterval is the Run loop period.
	RetryInterval time.Duration
	// RetryBackoff is the delay after the first failure. It doubles per
	// attempt up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	RetryRPS     float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		QueueLimit:      100,
		RetryLimit:      100,
		LocalLimit:      500,
		AbandonedLimit:  500,
		MaxAttempts:     5,
		DeliveryTimeout: 10 * time.Second,
		RetryInterval:   60 * time.Second,
		RetryBackoff:    30 * time.Second,
		MaxBackoff:      30 * time.Minute,
		RetryRPS:        5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = d.QueueLimit
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.LocalLimit <= 0 {
		c.LocalLimit = d.LocalLimit
	}
	if c.AbandonedLimit <= 0 {
		c.AbandonedLimit = d.AbandonedLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline owns the audit queues. Queue state lives in the buffer and is
// only mutated through buffer.Update.
type Pipeline struct {
	buf      buffer.Buffer
	tr       transport.Transport
	cfg      Config
	logger   zerolog.Logger
	notifier notify.Notifier
	metrics  *Metrics
	limiter  *rate.Limiter
	now      func() time.Time

	flushMu sync.Mutex
	retryMu sync.Mutex
	drainMu sync.Mutex
	wg      sync.WaitGroup

	tasksMu sync.Mutex
	tasks   []task
}

type task struct {
	name string
	fn   func(context.Context)
}

func NewPipeline(buf buffer.Buffer, tr transport.Transport, cfg Config, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		buf:      buf,
		tr:       tr,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "auditlog").Logger(),
		notifier: nopNotifier{},
		now:      time.Now,
	}
	if p.cfg.RetryRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.cfg.RetryRPS), 1)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreateAuditLog records action on behalf of actor. It never returns an
// error and never panics; the outcome is described by the Result.
func (p *Pipeline) CreateAuditLog(ctx context.Context, actor auth.Actor, action string, details map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("action", action).Msg("audit log creation panicked")
			res = Result{Error: "internal error", State: StateCreated}
		}
	}()

	if action == "" {
		err := policy.E(policy.KindValidation, "audit.create", errors.New("action is required"))
		return Result{Error: err.Error(), State: StateCreated}
	}

	// Recording must outlive a cancelled request.
	ctx = context.WithoutCancel(ctx)

	entry := NewEntry(actor, action, details, p.now())
	p.metrics.entryCreated(entry.Sensitive)
	if entry.Sensitive {
		return p.sendImmediate(ctx, actor, entry)
	}
	return p.enqueue(ctx, entry)
}

func (p *Pipeline) sendImmediate(ctx context.Context, actor auth.Actor, entry Entry) Result {
	log := p.logger.With().Str("entry_id", entry.ID).Str("action", entry.Action).Logger()

	if !actor.Authenticated() {
		if err := p.storeLocal(ctx, entry); err != nil {
			log.Error().Err(err).Msg("local fallback failed")
			p.notifier.Notify(ctx, notify.TopicAudit, msgAuditFailed)
			return Result{ID: entry.ID, Error: err.Error(), State: StateCreated}
		}
		log.Warn().Msg("sensitive action without credentials stored locally")
		return Result{ID: entry.ID, Success: true, Stored: true, State: StateLocalFallback}
	}

	err := p.deliver(auth.WithActor(ctx, actor), routeImmediate, transport.PathAuditLog, entry, 1)
	if err == nil {
		return Result{ID: entry.ID, Success: true, State: StateDelivered}
	}

	log.Warn().Err(err).Msg("immediate delivery failed")
	p.notifier.Notify(ctx, notify.TopicAudit, msgAuditFailed)
	if qerr := p.enqueueRetry(ctx, []Entry{entry}, err); qerr != nil {
		log.Error().Err(qerr).Msg("retry enqueue failed")
		return Result{ID: entry.ID, Error: err.Error(), State: StateCreated}
	}
	return Result{ID: entry.ID, Queued: true, Error: err.Error(), State: StateRetryQueued}
}

func (p *Pipeline) enqueue(ctx context.Context, entry Entry) Result {
	var n int
	evicted, err := buffer.UpdateList(ctx, p.buf, KeyQueue, p.cfg.QueueLimit, func(q []Entry) ([]Entry, error) {
		q = append(q, entry)
		n = len(q)
		return q, nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("batch enqueue failed")
		p.notifier.Notify(ctx, notify.TopicAudit, msgAuditFailed)
		return Result{ID: entry.ID, Error: err.Error(), State: StateCreated}
	}
	if len(evicted) > 0 {
		p.logger.Warn().Int("evicted", len(evicted)).Msg("batch queue full, oldest entries dropped")
		p.metrics.entriesEvicted("batch", len(evicted))
	}

	if n >= p.cfg.BatchSize {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			// The batch holds entries from many actors; never send it
			// under the credential of whichever request filled it.
			p.Flush(context.Background())
		}()
	}
	return Result{ID: entry.ID, Success: true, Queued: true, State: StateQueued}
}

// Flush delivers the batch queue as one request. Delivered entries are
// removed; on failure they stay queued and are copied to the retry queue.
func (p *Pipeline) Flush(ctx context.Context) Report {
	if !p.flushMu.TryLock() {
		return Report{Skipped: true}
	}
	defer p.flushMu.Unlock()

	batch, err := buffer.List[Entry](ctx, p.buf, KeyQueue)
	if err != nil {
		p.logger.Error().Err(err).Msg("read batch queue")
		return Report{Error: err.Error()}
	}
	if len(batch) == 0 {
		return Report{}
	}

	rep := Report{Attempted: len(batch)}
	if err := p.deliver(ctx, routeBatch, transport.PathAuditBatch, batchBody{Entries: batch}, len(batch)); err != nil {
		p.logger.Warn().Err(err).Int("entries", len(batch)).Msg("batch delivery failed")
		rep.Error = err.Error()
		if qerr := p.enqueueRetry(ctx, batch, err); qerr != nil {
			p.logger.Error().Err(qerr).Msg("retry enqueue failed")
			return rep
		}
		rep.Requeued = len(batch)
		return rep
	}

	rep.Delivered = len(batch)
	ids := idSet(batch)
	if err := p.removeDelivered(ctx, KeyQueue, ids); err != nil {
		p.logger.Error().Err(err).Msg("clear delivered batch")
		rep.Error = err.Error()
	}
	// copies left by an earlier failed flush
	if err := p.removeRetried(ctx, ids); err != nil {
		p.logger.Error().Err(err).Msg("clear delivered batch from retry queue")
		rep.Error = err.Error()
	}
	return rep
}

// RetryPass attempts every due entry in the retry queue once. Entries whose
// attempts exceed MaxAttempts are moved to the abandoned list.
func (p *Pipeline) RetryPass(ctx context.Context) Report {
	if !p.retryMu.TryLock() {
		return Report{Skipped: true}
	}
	defer p.retryMu.Unlock()

	pending, err := buffer.List[RetryEntry](ctx, p.buf, KeyRetry)
	if err != nil {
		p.logger.Error().Err(err).Msg("read retry queue")
		return Report{Error: err.Error()}
	}

	now := p.now()
	var rep Report
	outcome := make(map[string]error)
	for _, r := range pending {
		if r.NextAttempt.After(now) {
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		rep.Attempted++
		outcome[r.Entry.ID] = p.deliver(ctx, routeRetry, transport.PathAuditLog, r.Entry, 1)
	}
	if len(outcome) == 0 {
		return rep
	}

	var abandoned []RetryEntry
	delivered := make(map[string]bool)
	_, err = buffer.UpdateList(ctx, p.buf, KeyRetry, p.cfg.RetryLimit, func(q []RetryEntry) ([]RetryEntry, error) {
		abandoned = nil
		out := make([]RetryEntry, 0, len(q))
		for _, r := range q {
			derr, tried := outcome[r.Entry.ID]
			switch {
			case !tried:
				out = append(out, r)
			case derr == nil:
				delivered[r.Entry.ID] = true
			default:
				r.Attempts++
				r.LastAttempt = now
				r.LastError = derr.Error()
				if r.Attempts > p.cfg.MaxAttempts {
					abandoned = append(abandoned, r)
					continue
				}
				r.NextAttempt = now.Add(p.backoff(r.Attempts))
				out = append(out, r)
			}
		}
		return out, nil
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("update retry queue")
		rep.Error = err.Error()
		return rep
	}

	for _, derr := range outcome {
		if derr == nil {
			rep.Delivered++
		}
	}
	rep.Abandoned = len(abandoned)
	rep.Requeued = rep.Attempted - rep.Delivered - rep.Abandoned

	if len(delivered) > 0 {
		if err := p.removeDelivered(ctx, KeyQueue, delivered); err != nil {
			p.logger.Warn().Err(err).Msg("clear redelivered entries from batch queue")
		}
	}
	if len(abandoned) > 0 {
		p.abandon(ctx, abandoned)
	}
	return rep
}

// DrainLocal delivers entries held in the local fallback list.
func (p *Pipeline) DrainLocal(ctx context.Context) Report {
	if !p.drainMu.TryLock() {
		return Report{Skipped: true}
	}
	defer p.drainMu.Unlock()

	local, err := buffer.List[Entry](ctx, p.buf, KeyLocal)
	if err != nil {
		p.logger.Error().Err(err).Msg("read local queue")
		return Report{Error: err.Error()}
	}

	var rep Report
	sent := make(map[string]bool)
	for _, e := range local {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		rep.Attempted++
		if err := p.deliver(ctx, routeLocal, transport.PathAuditLog, e, 1); err != nil {
			rep.Requeued++
			rep.Error = err.Error()
			continue
		}
		sent[e.ID] = true
	}
	rep.Delivered = len(sent)
	if len(sent) > 0 {
		if err := p.removeDelivered(ctx, KeyLocal, sent); err != nil {
			p.logger.Error().Err(err).Msg("clear drained local entries")
			rep.Error = err.Error()
		}
	}
	return rep
}

// Queues returns the current queue lengths and refreshes the depth gauges.
func (p *Pipeline) Queues(ctx context.Context) (Queues, error) {
	var q Queues
	batch, err := buffer.List[Entry](ctx, p.buf, KeyQueue)
	if err != nil {
		return q, err
	}
	retry, err := buffer.List[RetryEntry](ctx, p.buf, KeyRetry)
	if err != nil {
		return q, err
	}
	local, err := buffer.List[Entry](ctx, p.buf, KeyLocal)
	if err != nil {
		return q, err
	}
	abandoned, err := buffer.List[RetryEntry](ctx, p.buf, KeyAbandoned)
	if err != nil {
		return q, err
	}
	q = Queues{Batch: len(batch), Retry: len(retry), Local: len(local), Abandoned: len(abandoned)}
	p.metrics.queueDepths(q)
	return q, nil
}

// ErrUnknownQueue is returned by Inspect for a queue name it does not know.
var ErrUnknownQueue = policy.E(policy.KindValidation, "audit.inspect", errors.New("unknown queue"))

// Inspect returns one page of the named queue ("batch", "retry", "local" or
// "abandoned") and its total length.
func (p *Pipeline) Inspect(ctx context.Context, name string, pg pagination.Params) (any, int, error) {
	switch name {
	case "batch":
		return inspect[Entry](ctx, p.buf, KeyQueue, pg)
	case "local":
		return inspect[Entry](ctx, p.buf, KeyLocal, pg)
	case "retry":
		return inspect[RetryEntry](ctx, p.buf, KeyRetry, pg)
	case "abandoned":
		return inspect[RetryEntry](ctx, p.buf, KeyAbandoned, pg)
	}
	return nil, 0, ErrUnknownQueue
}

func inspect[T any](ctx context.Context, b buffer.Buffer, key string, pg pagination.Params) (any, int, error) {
	list, err := buffer.List[T](ctx, b, key)
	if err != nil {
		return nil, 0, err
	}
	return pagination.Slice(list, pg), len(list), nil
}

// Run performs a flush, a retry pass, a local drain and any scheduled tasks
// every RetryInterval until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.RetryInterval)
	defer t.Stop()
	p.logger.Info().Dur("interval", p.cfg.RetryInterval).Msg("audit pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info().Msg("audit pipeline stopped")
			return
		case <-t.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one maintenance cycle.
func (p *Pipeline) Tick(ctx context.Context) {
	if rep := p.Flush(ctx); rep.Attempted > 0 {
		p.logger.Debug().Int("delivered", rep.Delivered).Int("requeued", rep.Requeued).Msg("periodic flush")
	}
	if rep := p.RetryPass(ctx); rep.Attempted > 0 {
		p.logger.Info().Int("delivered", rep.Delivered).Int("requeued", rep.Requeued).
			Int("abandoned", rep.Abandoned).Msg("retry pass")
	}
	if rep := p.DrainLocal(ctx); rep.Attempted > 0 {
		p.logger.Info().Int("delivered", rep.Delivered).Msg("local drain")
	}
	if _, err := p.Queues(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("read queue depths")
	}

	p.tasksMu.Lock()
	tasks := append([]task(nil), p.tasks...)
	p.tasksMu.Unlock()
	for _, t := range tasks {
		p.runTask(ctx, t)
	}
}

// Schedule adds fn to every maintenance cycle after the audit queues are
// serviced.
func (p *Pipeline) Schedule(name string, fn func(context.Context)) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	p.tasks = append(p.tasks, task{name: name, fn: fn})
}

func (p *Pipeline) runTask(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("task", t.name).Msg("maintenance task panicked")
		}
	}()
	t.fn(ctx)
}

// Wait blocks until background flushes started by CreateAuditLog finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// deliver posts body with a hard per-attempt timeout. A transport that
// ignores its context still fails at the deadline.
func (p *Pipeline) deliver(ctx context.Context, route, path string, body any, n int) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transport panic: %v", r)
			}
		}()
		done <- p.tr.Post(ctx, path, body)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.metrics.attempt(route, n, time.Since(start), err)
	if err != nil && !errors.Is(err, policy.ErrDelivery) {
		err = policy.E(policy.KindDelivery, "audit."+route, err)
	}
	return err
}

func (p *Pipeline) enqueueRetry(ctx context.Context, entries []Entry, cause error) error {
	now := p.now()
	evicted, err := buffer.UpdateList(ctx, p.buf, KeyRetry, p.cfg.RetryLimit, func(q []RetryEntry) ([]RetryEntry, error) {
		have := make(map[string]bool, len(q))
		for _, r := range q {
			have[r.Entry.ID] = true
		}
		for _, e := range entries {
			if have[e.ID] {
				continue
			}
			q = append(q, RetryEntry{
				Entry:       e,
				Attempts:    1,
				LastAttempt: now,
				NextAttempt: now.Add(p.backoff(1)),
				LastError:   cause.Error(),
			})
		}
		return q, nil
	})
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		p.logger.Warn().Int("evicted", len(evicted)).Msg("retry queue full, oldest entries abandoned")
		p.metrics.entriesEvicted("retry", len(evicted))
		p.abandon(ctx, evicted)
	}
	return nil
}

func (p *Pipeline) abandon(ctx context.Context, entries []RetryEntry) {
	for _, r := range entries {
		err := policy.E(policy.KindAbandon, "audit.retry", errors.New(r.LastError))
		p.logger.Error().Err(err).Str("entry_id", r.Entry.ID).Str("action", r.Entry.Action).
			Int("attempts", r.Attempts).Msg("audit entry abandoned")
	}
	p.metrics.entriesAbandoned(len(entries))
	evicted, err := buffer.Append(ctx, p.buf, KeyAbandoned, p.cfg.AbandonedLimit, entries...)
	if err != nil {
		p.logger.Error().Err(err).Int("entries", len(entries)).Msg("record abandoned entries")
		return
	}
	p.metrics.entriesEvicted("abandoned", len(evicted))
}

func (p *Pipeline) storeLocal(ctx context.Context, entry Entry) error {
	evicted, err := buffer.Append(ctx, p.buf, KeyLocal, p.cfg.LocalLimit, entry)
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		p.logger.Warn().Int("evicted", len(evicted)).Msg("local audit buffer full, oldest entries dropped")
		p.metrics.entriesEvicted("local", len(evicted))
	}
	return nil
}

func (p *Pipeline) removeDelivered(ctx context.Context, key string, ids map[string]bool) error {
	_, err := buffer.UpdateList(ctx, p.buf, key, 0, func(q []Entry) ([]Entry, error) {
		out := q[:0:0]
		for _, e := range q {
			if !ids[e.ID] {
				out = append(out, e)
			}
		}
		return out, nil
	})
	return err
}

func (p *Pipeline) removeRetried(ctx context.Context, ids map[string]bool) error {
	_, err := buffer.UpdateList(ctx, p.buf, KeyRetry, 0, func(q []RetryEntry) ([]RetryEntry, error) {
		out := q[:0:0]
		for _, r := range q {
			if !ids[r.Entry.ID] {
				out = append(out, r)
			}
		}
		return out, nil
	})
	return err
}

func (p *Pipeline) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBackoff
	for i := 1; i < attempts && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func idSet(entries []Entry) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.ID] = true
	}
	return out
}
