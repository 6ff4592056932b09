package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/domain/auditlog"
)

// BreakGlassHeader carries the reason for an emergency override.
const BreakGlassHeader = "X-Break-Glass"

type breakGlassContextKey string

const (
	breakGlassKey       breakGlassContextKey = "break_glass"
	breakGlassReasonKey breakGlassContextKey = "break_glass_reason"
)

// breakGlassRateLimit tracks per-subject override timestamps within a
// rolling hour.
type breakGlassRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newBreakGlassRateLimit() *breakGlassRateLimit {
	return &breakGlassRateLimit{entries: make(map[string][]time.Time)}
}

// allow records an override for subject unless it already has maxPerHour
// overrides in the hour before now.
func (rl *breakGlassRateLimit) allow(subject string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pruned := prune(rl.entries[subject], now.Add(-time.Hour))
	if len(pruned) >= maxPerHour {
		rl.entries[subject] = pruned
		return false
	}
	rl.entries[subject] = append(pruned, now)
	return true
}

func (rl *breakGlassRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	for subject, ts := range rl.entries {
		if pruned := prune(ts, cutoff); len(pruned) > 0 {
			rl.entries[subject] = pruned
		} else {
			delete(rl.entries, subject)
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

// BreakGlass returns middleware for the emergency override. A request that
// carries X-Break-Glass with a reason must come from an authenticated actor,
// is limited to 10 overrides per actor per hour, and is recorded as an
// EMERGENCY_ACCESS entry before the handler runs. The cleanup goroutine
// stops when ctx is cancelled.
func BreakGlass(ctx context.Context, auditor Auditor, logger zerolog.Logger) echo.MiddlewareFunc {
	rl := newBreakGlassRateLimit()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.cleanup(now)
			}
		}
	}()

	return breakGlassMiddleware(auditor, logger, rl, time.Now)
}

func breakGlassMiddleware(auditor Auditor, logger zerolog.Logger, rl *breakGlassRateLimit, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}
			reason := strings.TrimSpace(req.Header.Get(BreakGlassHeader))
			if reason == "" {
				return next(c)
			}

			actor := actorFor(c)
			if !actor.Authenticated() {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !rl.allow(actor.ID, now, breakGlassMaxPerHour) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded: maximum 10 requests per user per hour")
			}

			ctx := context.WithValue(req.Context(), breakGlassKey, true)
			ctx = context.WithValue(ctx, breakGlassReasonKey, reason)
			c.SetRequest(req.WithContext(ctx))

			res := auditor.CreateAuditLog(ctx, actor, auditlog.ActionEmergencyAccess, map[string]any{
				"reason": reason,
				"method": req.Method,
				"path":   req.URL.Path,
			})

			logger.Warn().
				Str("type", "break_glass").
				Str("user_id", actor.ID).
				Str("path", req.URL.Path).
				Str("method", req.Method).
				Str("remote_ip", actor.IP).
				Str("audit_state", string(res.State)).
				Time("timestamp", now).
				Msg("break_glass_override")

			return next(c)
		}
	}
}

// IsBreakGlass reports whether the request is an emergency override.
func IsBreakGlass(ctx context.Context) bool {
	v, _ := ctx.Value(breakGlassKey).(bool)
	return v
}

// BreakGlassReason returns the override reason, or "".
func BreakGlassReason(ctx context.Context) string {
	v, _ := ctx.Value(breakGlassReasonKey).(string)
	return v
}
