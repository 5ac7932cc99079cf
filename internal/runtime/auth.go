package runtime

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/config"
)

// Scopes carried in token claims. Each API route requires the scope matching
// what it touches.
const (
	ScopeIngestWrite  = "ingest:write"
	ScopeMemoryRead   = "memory:read"
	ScopeLifecycleRun = "lifecycle:run"
)

// DefaultScopes is what signup and login grant.
var DefaultScopes = []string{ScopeIngestWrite, ScopeMemoryRead, ScopeLifecycleRun}

// LoadJWTSecret resolves the shared JWT secret: server.jwt_secret, else the
// KEEPSAKE_JWT_SECRET environment variable.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg != nil && cfg.Server.JWTSecret != "" {
		return []byte(cfg.Server.JWTSecret), nil
	}
	if env := os.Getenv("KEEPSAKE_JWT_SECRET"); env != "" {
		return []byte(env), nil
	}
	return nil, errors.New("jwt secret not configured (server.jwt_secret or KEEPSAKE_JWT_SECRET)")
}

// SignJWT issues an HS256 token for subject, valid for ttl, carrying scopes.
func SignJWT(subject string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// principal is the authenticated identity attached to a request.
type principal struct {
	subject string
	scopes  []string
}

// EchoAuthMiddleware authenticates requests with a bearer token or the auth
// cookie and attaches the principal to the request context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := bearerToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok,
				func(t *jwt.Token) (interface{}, error) { return secret, nil },
				jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			p, ok := principalFromClaims(claims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			attach(c, p)
			return next(c)
		}
	}
}

func principalFromClaims(claims jwt.MapClaims) (principal, bool) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return principal{}, false
	}
	p := principal{subject: sub}
	if raw, ok := claims["scopes"]; ok {
		p.scopes = normalizeScopes(raw)
	} else if raw, ok := claims["scope"]; ok {
		p.scopes = normalizeScopes(raw)
	}
	return p, true
}

func attach(c echo.Context, p principal) {
	reqCtx := context.WithValue(c.Request().Context(), subjectKey{}, p.subject)
	c.Set("user_id", p.subject)
	if len(p.scopes) > 0 {
		reqCtx = context.WithValue(reqCtx, scopeKey{}, p.scopes)
		c.Set("scopes", p.scopes)
	}
	c.SetRequest(c.Request().WithContext(reqCtx))
}

func bearerToken(c echo.Context) string {
	if tok, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer "); ok && tok != "" {
		return tok
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type subjectKey struct{}

// SubjectFromContext returns the authenticated subject, when one was attached.
func SubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok
}

type scopeKey struct{}

// ScopesFromContext returns the scopes attached to the request context.
func ScopesFromContext(ctx context.Context) ([]string, bool) {
	if ctx == nil {
		return nil, false
	}
	scopes, ok := ctx.Value(scopeKey{}).([]string)
	return scopes, ok
}

// RequireScopes rejects requests whose token lacks any of the required scopes.
func RequireScopes(required ...string) echo.MiddlewareFunc {
	wanted := make([]string, 0, len(required))
	for _, scope := range required {
		if scope = strings.TrimSpace(scope); scope != "" {
			wanted = append(wanted, scope)
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(wanted) == 0 {
				return next(c)
			}
			granted := make(map[string]struct{})
			for _, scope := range grantedScopes(c) {
				granted[scope] = struct{}{}
			}
			for _, scope := range wanted {
				if _, ok := granted[scope]; !ok {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+scope)
				}
			}
			return next(c)
		}
	}
}

// normalizeScopes accepts the claim shapes jwt decoding can produce: a JSON
// array, a native string slice, or a single space-separated string.
func normalizeScopes(raw interface{}) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	case string:
		for _, s := range strings.Fields(v) {
			add(s)
		}
	}
	return out
}

func grantedScopes(c echo.Context) []string {
	if c == nil {
		return nil
	}
	if scopes, ok := c.Get("scopes").([]string); ok {
		return scopes
	}
	if scopes, ok := ScopesFromContext(c.Request().Context()); ok {
		return scopes
	}
	return nil
}
