package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var testSecret = []byte("test-secret")

func doAuthed(t *testing.T, token string, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, OwnerID(c))
	}
	chain := handler
	for i := len(mw) - 1; i >= 0; i-- {
		chain = mw[i](chain)
	}
	chain = AuthMiddleware(testSecret)(chain)
	if err := chain(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	token, err := SignToken("owner-42", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec := doAuthed(t, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "owner-42" {
		t.Fatalf("owner id not propagated: %q", rec.Body.String())
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	rec := doAuthed(t, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	token, err := SignToken("owner-1", []byte("other-secret"), time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec := doAuthed(t, token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsExpiredToken(t *testing.T) {
	token, err := SignToken("owner-1", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec := doAuthed(t, token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireScopes(t *testing.T) {
	token, err := SignToken("owner-1", testSecret, time.Minute, "documents:write")
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}

	rec := doAuthed(t, token, RequireScopes("documents:write"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with matching scope, got %d", rec.Code)
	}

	rec = doAuthed(t, token, RequireScopes("admin"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without scope, got %d", rec.Code)
	}
}
