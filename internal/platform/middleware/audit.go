package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/domain/auditlog"
	"github.com/phimarket/compliance/internal/platform/auth"
)

// Auditor is the subset of *auditlog.Pipeline used by the middleware.
type Auditor interface {
	CreateAuditLog(ctx context.Context, actor auth.Actor, action string, details map[string]any) auditlog.Result
}

// AuditRule marks requests whose successful completion is a PHI event.
type AuditRule struct {
	Method string
	Prefix string
	Action string
}

// DefaultAuditRules cover endpoints that return decrypted PHI.
func DefaultAuditRules() []AuditRule {
	return []AuditRule{
		{Method: http.MethodPost, Prefix: "/api/v1/crypto/decrypt", Action: auditlog.ActionPHIAccess},
		{Method: http.MethodPost, Prefix: "/api/v1/crypto/field/decrypt", Action: auditlog.ActionPHIAccess},
	}
}

// Audit returns middleware that records PHI access matched by rules and any
// 401 or 403 response under /api/v1/ as an AUTHORIZATION_FAILURE. Recording
// never changes the response.
func Audit(auditor Auditor, logger zerolog.Logger, rules []AuditRule) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := responseStatus(c, err)
			action := ""
			switch {
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				action = auditlog.ActionAuthorizationFailure
			case status < 400:
				action = matchRule(rules, req.Method, path)
			}
			if action == "" {
				return err
			}

			rid, _ := c.Get("request_id").(string)
			details := map[string]any{
				"method":    req.Method,
				"path":      path,
				"operation": httpMethodToAction(req.Method),
				"resource":  extractResourceType(path),
				"status":    status,
			}
			if rid != "" {
				details["requestId"] = rid
			}
			// handlers further down may have replaced the request
			ctx := c.Request().Context()
			if IsBreakGlass(ctx) {
				details["breakGlass"] = true
				details["breakGlassReason"] = BreakGlassReason(ctx)
			}
			if reason, ok := c.Get(authFailureKey).(string); ok {
				details["authError"] = reason
			}

			res := auditor.CreateAuditLog(ctx, actorFor(c), action, details)
			if !res.Success && !res.Queued {
				logger.Error().Str("request_id", rid).Str("action", action).Str("error", res.Error).
					Msg("failed to record audit entry")
			}
			return err
		}
	}
}

const authFailureKey = "auth_failure"

// RecordAuthFailure keeps the reason a token was rejected so the audit entry
// for the 401 can carry it. It has the signature of auth.JWTConfig.OnFailure.
func RecordAuthFailure(c echo.Context, _ auth.Actor, err error) {
	c.Set(authFailureKey, err.Error())
}

// actorFor returns the request actor with network fields filled in.
func actorFor(c echo.Context) auth.Actor {
	a := auth.ActorFrom(c)
	if a.IP == "" {
		a.IP = c.RealIP()
	}
	if a.UserAgent == "" {
		a.UserAgent = c.Request().UserAgent()
	}
	return a
}

func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	if s := c.Response().Status; s != 0 {
		return s
	}
	return http.StatusOK
}

func matchRule(rules []AuditRule, method, path string) string {
	for _, r := range rules {
		if (r.Method == "" || r.Method == method) && strings.HasPrefix(path, r.Prefix) {
			return r.Action
		}
	}
	return ""
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// httpMethodToAction maps HTTP methods to CRUD verbs.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType returns the first path segment after /api/v1/.
//
//   - /api/v1/crypto/decrypt -> crypto
//   - /api/v1/consents/research -> consents
func extractResourceType(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if seg, _, _ := strings.Cut(rest, "/"); seg != "" && rest != path {
		return seg
	}
	return "unknown"
}
