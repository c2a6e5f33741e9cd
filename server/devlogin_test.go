package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func postDevLogin(t *testing.T, app *App, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	return w
}

func TestDevLoginForm(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/login?request_id=abc", nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login form returned %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `name="request_id" value="abc"`) {
		t.Fatal("form missing the request handle")
	}
}

func TestDevLoginCompletesAuthorization(t *testing.T) {
	app := setupTestApp(t)
	requestID := startAuthorize(t, app, defaultAuthorizeParams())

	w := postDevLogin(t, app, url.Values{
		"request_id": {requestID},
		"email":      {"browser@example.com"},
		"password":   {"long enough pw"},
		"signup":     {"1"},
	})
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect back to client, got %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "http://localhost:3000/callback") {
		t.Fatalf("redirected to %s", loc)
	}
	if loc.Query().Get("code") == "" || loc.Query().Get("iss") == "" {
		t.Fatalf("redirect missing code or iss: %s", loc)
	}
}

func TestDevLoginBadPasswordRerenders(t *testing.T) {
	app := setupTestApp(t)
	signUpUser(t, app, "existing@example.com")
	requestID := startAuthorize(t, app, defaultAuthorizeParams())

	w := postDevLogin(t, app, url.Values{
		"request_id": {requestID},
		"email":      {"existing@example.com"},
		"password":   {"not the password"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected the form again, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sign in failed") {
		t.Fatal("error message missing")
	}
}

func TestDevLoginDisabledOutsideDevMode(t *testing.T) {
	app := setupTestApp(t)
	app.Config.Server.DevMode = false

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("login surface must be absent outside dev mode, got %d", w.Code)
	}
}
