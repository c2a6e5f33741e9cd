package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Server.SecretsPath = ""
	cfg.Admin.APIToken = "test-admin-token"
	cfg.Clients = []ClientConfig{
		{
			ClientID:     "webapp",
			Secret:       "webapp-secret",
			RedirectURIs: []string{"http://localhost:3000/callback"},
			Scopes:       []string{"openid", "profile", "email"},
		},
		{
			ClientID:     "spa",
			RedirectURIs: []string{"http://localhost:5173/callback"},
			Scopes:       []string{"openid"},
		},
	}
	return cfg
}

func setupTestApp(t *testing.T) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), testConfig(), logger)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	return app
}

func postJSON(t *testing.T, app *App, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	return w
}

func decodeTokens(t *testing.T, w *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v (body %s)", err, w.Body.String())
	}
	return resp
}

// signUpUser registers a user and returns the first-party token pair.
func signUpUser(t *testing.T, app *App, email string) TokenResponse {
	t.Helper()
	w := postJSON(t, app, "/account/signup", "", signUpRequest{Email: email, Password: "correct horse battery"})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup returned %d: %s", w.Code, w.Body.String())
	}
	return decodeTokens(t, w)
}

// startAuthorize runs /authorize and returns the pending request id from the
// login redirect.
func startAuthorize(t *testing.T, app *App, params url.Values) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("authorize returned %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse login redirect: %v", err)
	}
	requestID := loc.Query().Get("request_id")
	if requestID == "" {
		t.Fatalf("login redirect missing request_id: %s", loc)
	}
	return requestID
}

// completeLogin exchanges a pending request for the client redirect URI.
func completeLogin(t *testing.T, app *App, bearer, requestID string) *url.URL {
	t.Helper()
	w := postJSON(t, app, "/login/complete", bearer, loginCompleteRequest{RequestID: requestID})
	if w.Code != http.StatusOK {
		t.Fatalf("login complete returned %d: %s", w.Code, w.Body.String())
	}
	var resp loginCompleteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login complete: %v", err)
	}
	redirect, err := url.Parse(resp.RedirectURI)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return redirect
}

// exchangeCode redeems an authorization code at /token as the webapp client.
func exchangeCode(t *testing.T, app *App, code string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://localhost:3000/callback"},
	}
	return postToken(t, app, form)
}

func postToken(t *testing.T, app *App, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("webapp", "webapp-secret")
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	return w
}

func defaultAuthorizeParams() url.Values {
	return url.Values{
		"client_id":     {"webapp"},
		"redirect_uri":  {"http://localhost:3000/callback"},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
	}
}
