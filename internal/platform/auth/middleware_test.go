package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var testCfg = JWTConfig{
	Secret: []byte("test-secret"),
	Issuer: "sync-server",
}

func doRequest(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (int, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	err := mw(handler)(c)
	if err == nil {
		return http.StatusOK, c
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("unexpected error type: %v", err)
	}
	return httpErr.Code, c
}

func TestJWTMiddleware_AcceptsValidToken(t *testing.T) {
	token, err := IssueToken(testCfg, "ops-user", []string{"operator"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	code, c := doRequest(t, JWTMiddleware(testCfg), "Bearer "+token)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if got := UserIDFromContext(c.Request().Context()); got != "ops-user" {
		t.Errorf("subject = %q, want ops-user", got)
	}
	if roles := RolesFromContext(c.Request().Context()); len(roles) != 1 || roles[0] != "operator" {
		t.Errorf("roles = %v", roles)
	}
}

func TestJWTMiddleware_RejectsMissingHeader(t *testing.T) {
	code, _ := doRequest(t, JWTMiddleware(testCfg), "")
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestJWTMiddleware_RejectsBadScheme(t *testing.T) {
	code, _ := doRequest(t, JWTMiddleware(testCfg), "Basic dXNlcjpwYXNz")
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestJWTMiddleware_RejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(JWTConfig{Secret: []byte("other"), Issuer: "sync-server"}, "x", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	code, _ := doRequest(t, JWTMiddleware(testCfg), "Bearer "+token)
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestJWTMiddleware_RejectsExpiredToken(t *testing.T) {
	token, err := IssueToken(testCfg, "x", nil, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	code, _ := doRequest(t, JWTMiddleware(testCfg), "Bearer "+token)
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestJWTMiddleware_RejectsWrongIssuer(t *testing.T) {
	token, err := IssueToken(JWTConfig{Secret: testCfg.Secret, Issuer: "someone-else"}, "x", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	code, _ := doRequest(t, JWTMiddleware(testCfg), "Bearer "+token)
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestDevAuthMiddleware_AllowsAnonymous(t *testing.T) {
	code, c := doRequest(t, DevAuthMiddleware(), "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if got := UserIDFromContext(c.Request().Context()); got != "dev-user" {
		t.Errorf("subject = %q, want dev-user", got)
	}
}
