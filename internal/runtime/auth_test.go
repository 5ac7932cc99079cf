package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/config"
)

var testSecret = []byte("test-secret")

func authedRequest(t *testing.T, token string, viaCookie bool) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/facts", nil)
	if token != "" {
		if viaCookie {
			req.AddCookie(&http.Cookie{Name: "auth", Value: token})
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSignAndAuthenticateBearer(t *testing.T) {
	tok, err := SignJWT("user-1", testSecret, time.Hour, ScopeMemoryRead)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	c, rec := authedRequest(t, tok, false)

	var seenSubject string
	var seenScopes []string
	handler := EchoAuthMiddleware(testSecret)(func(c echo.Context) error {
		seenSubject, _ = c.Get("user_id").(string)
		seenScopes, _ = ScopesFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("middleware rejected a valid token: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seenSubject != "user-1" {
		t.Fatalf("subject = %q", seenSubject)
	}
	if len(seenScopes) != 1 || seenScopes[0] != ScopeMemoryRead {
		t.Fatalf("scopes = %v", seenScopes)
	}
}

func TestAuthenticateFromCookie(t *testing.T) {
	tok, err := SignJWT("user-2", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	c, rec := authedRequest(t, tok, true)

	handler := EchoAuthMiddleware(testSecret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("cookie token rejected: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMissingAndInvalidTokensRejected(t *testing.T) {
	wrongSecret, err := SignJWT("user-1", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	expired, err := SignJWT("user-1", testSecret, -time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", wrongSecret},
		{"expired", expired},
	}
	handler := EchoAuthMiddleware(testSecret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := authedRequest(t, tc.token, false)
			err := handler(c)
			if err == nil {
				t.Fatal("expected rejection")
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Fatalf("error = %#v, want 401", err)
			}
		})
	}
}

func TestRequireScopes(t *testing.T) {
	readOnly, err := SignJWT("user-1", testSecret, time.Hour, ScopeMemoryRead)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	operator, err := SignJWT("user-1", testSecret, time.Hour, ScopeMemoryRead, ScopeLifecycleRun)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	chain := EchoAuthMiddleware(testSecret)(RequireScopes(ScopeLifecycleRun)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}))

	c, _ := authedRequest(t, readOnly, false)
	err = chain(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("read-only token on a lifecycle route = %#v, want 403", err)
	}

	c, rec := authedRequest(t, operator, false)
	if err := chain(c); err != nil {
		t.Fatalf("operator token rejected: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequireScopesEmptyPassesThrough(t *testing.T) {
	tok, err := SignJWT("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	chain := EchoAuthMiddleware(testSecret)(RequireScopes()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}))
	c, rec := authedRequest(t, tok, false)
	if err := chain(c); err != nil {
		t.Fatalf("scopeless route rejected a valid token: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoadJWTSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.JWTSecret = "from-config"
	secret, err := LoadJWTSecret(cfg)
	if err != nil || string(secret) != "from-config" {
		t.Fatalf("secret = %q, err = %v", secret, err)
	}

	t.Setenv("KEEPSAKE_JWT_SECRET", "from-env")
	secret, err = LoadJWTSecret(&config.Config{})
	if err != nil || string(secret) != "from-env" {
		t.Fatalf("env secret = %q, err = %v", secret, err)
	}

	t.Setenv("KEEPSAKE_JWT_SECRET", "")
	if _, err := LoadJWTSecret(&config.Config{}); err == nil {
		t.Fatal("expected error with no secret configured")
	}
}
