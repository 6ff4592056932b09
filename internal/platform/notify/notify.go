// Package notify surfaces best-effort, user-visible failure notices such as
// "Failed to record consent". Each message is delivered at most once per
// dedup window.
package notify

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/ids"
)

// Topics.
const (
	TopicAudit   = "audit"
	TopicConsent = "consent"
)

// Notification is a single notice.
type Notification struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier is what callers depend on. It never fails.
type Notifier interface {
	Notify(ctx context.Context, topic, message string)
}

// Sink delivers a notification to its audience.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Logger.Warn().Str("topic", n.Topic).Str("notification_id", n.ID).Msg(n.Message)
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the dedup window. Zero suppresses repeats for the life of
// the Manager.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

const recentLimit = 50

// Manager deduplicates notifications and forwards them to a Sink.
type Manager struct {
	sink   Sink
	logger zerolog.Logger
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	recent []Notification
}

func NewManager(sink Sink, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		sink:   sink,
		logger: logger.With().Str("component", "notify").Logger(),
		window: 10 * time.Minute,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Notify sends message unless the same topic and message was sent within
// the dedup window.
func (m *Manager) Notify(ctx context.Context, topic, message string) {
	now := m.now()
	key := topic + "\x00" + message

	m.mu.Lock()
	if last, ok := m.seen[key]; ok && (m.window == 0 || now.Sub(last) < m.window) {
		m.mu.Unlock()
		return
	}
	m.seen[key] = now
	n := Notification{ID: ids.New(), Topic: topic, Message: message, CreatedAt: now.UTC()}
	m.recent = append(m.recent, n)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
	m.mu.Unlock()

	if m.sink == nil {
		return
	}
	if err := m.sink.Send(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("topic", topic).Msg("notification delivery failed")
	}
}

// Recent returns up to limit of the latest notifications, newest first.
func (m *Manager) Recent(limit int) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Notification, 0, limit)
	for i := len(m.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// Handler lists recent notifications.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
}

func (h *Handler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	return c.JSON(http.StatusOK, h.mgr.Recent(limit))
}

// Recorder is a Notifier test double that records every call.
type Recorder struct {
	mu    sync.Mutex
	calls []Notification
}

func (r *Recorder) Notify(_ context.Context, topic, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Notification{Topic: topic, Message: message})
}

// Calls returns a copy of recorded notifications.
func (r *Recorder) Calls() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.calls))
	copy(out, r.calls)
	return out
}
