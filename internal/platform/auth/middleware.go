package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	// SigningKey is the HS256 session signing key.
	SigningKey []byte
	Issuer     string
	Audience   string
	// Required rejects requests without a bearer token. Otherwise they
	// proceed as an anonymous actor.
	Required bool
	// Skipper bypasses the middleware entirely.
	Skipper func(echo.Context) bool
	// OnFailure is called when a presented token is rejected, before the 401
	// is returned.
	OnFailure func(c echo.Context, actor Actor, err error)
}

var (
	errMissingToken  = errors.New("missing authorization header")
	errInvalidFormat = errors.New("invalid authorization format")
)

// ActorMiddleware resolves the request Actor from an optional bearer token
// and stores it on the request context.
func ActorMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			actor := Actor{
				IP:        c.RealIP(),
				UserAgent: c.Request().UserAgent(),
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.Required {
					return reject(c, cfg, actor, errMissingToken)
				}
				setActor(c, actor)
				return next(c)
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return reject(c, cfg, actor, errInvalidFormat)
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				if err == nil {
					err = errors.New("invalid token")
				}
				return reject(c, cfg, actor, err)
			}

			actor.ID = claims.Subject
			actor.Credential = parts[1]
			actor.Roles = claims.Roles
			setActor(c, actor)
			return next(c)
		}
	}
}

func reject(c echo.Context, cfg JWTConfig, actor Actor, err error) error {
	if cfg.OnFailure != nil {
		cfg.OnFailure(c, actor, err)
	}
	if errors.Is(err, errMissingToken) || errors.Is(err, errInvalidFormat) {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
}

func setActor(c echo.Context, a Actor) {
	c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), a)))
}

// ActorFrom returns the actor resolved for the request.
func ActorFrom(c echo.Context) Actor {
	return ActorFromContext(c.Request().Context())
}

// IssueToken signs a session token for subject.
func IssueToken(key []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
