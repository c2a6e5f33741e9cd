package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func doAuthorize(t *testing.T, app *App, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	return w
}

func TestAuthorizeUnknownClientNeverRedirects(t *testing.T) {
	app := setupTestApp(t)

	params := defaultAuthorizeParams()
	params.Set("client_id", "nope")
	params.Set("redirect_uri", "http://evil.example/steal")
	w := doAuthorize(t, app, params)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Fatalf("unknown client must not trigger a redirect, got Location %q", loc)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "invalid_client" {
		t.Fatalf("expected invalid_client, got %q", body["error"])
	}
}

func TestAuthorizeBadRedirectNeverRedirects(t *testing.T) {
	app := setupTestApp(t)

	cases := []struct {
		name     string
		redirect string
	}{
		{"unregistered", "http://localhost:3000/other"},
		{"prefix of registered", "http://localhost:3000/callback/extra"},
		{"empty", ""},
		{"protocol relative", "//localhost:3000/callback"},
		{"javascript scheme", "javascript:alert(1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := defaultAuthorizeParams()
			params.Set("redirect_uri", tc.redirect)
			w := doAuthorize(t, app, params)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if loc := w.Header().Get("Location"); loc != "" {
				t.Fatalf("bad redirect_uri must not trigger a redirect, got %q", loc)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["error"] != "invalid_request" {
				t.Fatalf("expected invalid_request, got %q", body["error"])
			}
		})
	}
}

func TestAuthorizeErrorsRedirectAfterClientValidation(t *testing.T) {
	app := setupTestApp(t)

	cases := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{
			name:      "unsupported response type",
			mutate:    func(v url.Values) { v.Set("response_type", "token") },
			wantError: "unsupported_response_type",
		},
		{
			name:      "scope exceeds client grant",
			mutate:    func(v url.Values) { v.Set("scope", "openid admin") },
			wantError: "invalid_scope",
		},
		{
			name: "plain pkce method",
			mutate: func(v url.Values) {
				v.Set("code_challenge", "abc")
				v.Set("code_challenge_method", "plain")
			},
			wantError: "invalid_request",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := defaultAuthorizeParams()
			params.Set("state", "xyz123")
			tc.mutate(params)
			w := doAuthorize(t, app, params)

			if w.Code != http.StatusFound {
				t.Fatalf("expected redirect, got %d: %s", w.Code, w.Body.String())
			}
			loc, err := url.Parse(w.Header().Get("Location"))
			if err != nil {
				t.Fatalf("parse redirect: %v", err)
			}
			if !strings.HasPrefix(loc.String(), "http://localhost:3000/callback") {
				t.Fatalf("error must go to the registered redirect, got %s", loc)
			}
			q := loc.Query()
			if q.Get("error") != tc.wantError {
				t.Fatalf("expected error %q, got %q", tc.wantError, q.Get("error"))
			}
			if q.Get("state") != "xyz123" {
				t.Fatalf("state not echoed, got %q", q.Get("state"))
			}
		})
	}
}

func TestAuthorizePublicClientRequiresPKCE(t *testing.T) {
	app := setupTestApp(t)

	params := url.Values{
		"client_id":     {"spa"},
		"redirect_uri":  {"http://localhost:5173/callback"},
		"response_type": {"code"},
		"scope":         {"openid"},
	}
	w := doAuthorize(t, app, params)
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("error") != "invalid_request" {
		t.Fatalf("public client without PKCE should fail, got %q", loc.Query().Get("error"))
	}

	params.Set("code_challenge", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM")
	params.Set("code_challenge_method", "S256")
	w = doAuthorize(t, app, params)
	if w.Code != http.StatusFound {
		t.Fatalf("expected login redirect, got %d", w.Code)
	}
	loc, _ = url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("request_id") == "" {
		t.Fatalf("expected login handoff with request_id, got %s", loc)
	}
}

func TestAuthorizePostFormBehavesLikeGet(t *testing.T) {
	app := setupTestApp(t)

	form := defaultAuthorizeParams()
	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("request_id") == "" {
		t.Fatalf("expected request_id in login redirect, got %s", loc)
	}
}

func TestLoginCompleteRequiresSession(t *testing.T) {
	app := setupTestApp(t)
	requestID := startAuthorize(t, app, defaultAuthorizeParams())

	w := postJSON(t, app, "/login/complete", "", loginCompleteRequest{RequestID: requestID})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", w.Code)
	}
}

func TestLoginCompleteRedirectCarriesCodeStateAndIss(t *testing.T) {
	app := setupTestApp(t)
	tokens := signUpUser(t, app, "alice@example.com")

	params := defaultAuthorizeParams()
	params.Set("state", "st-42")
	requestID := startAuthorize(t, app, params)

	redirect := completeLogin(t, app, tokens.AccessToken, requestID)
	q := redirect.Query()
	if q.Get("code") == "" {
		t.Fatalf("redirect missing code: %s", redirect)
	}
	if q.Get("state") != "st-42" {
		t.Fatalf("state not echoed, got %q", q.Get("state"))
	}
	if q.Get("iss") != app.Config.Issuer() {
		t.Fatalf("iss parameter = %q, want %q", q.Get("iss"), app.Config.Issuer())
	}
}

func TestLoginCompleteOmitsStateWhenAbsent(t *testing.T) {
	app := setupTestApp(t)
	tokens := signUpUser(t, app, "bob@example.com")
	requestID := startAuthorize(t, app, defaultAuthorizeParams())

	redirect := completeLogin(t, app, tokens.AccessToken, requestID)
	if _, present := redirect.Query()["state"]; present {
		t.Fatalf("state must be absent when the request carried none: %s", redirect)
	}
	if redirect.Query().Get("iss") == "" {
		t.Fatalf("iss must always be present: %s", redirect)
	}
}

func TestLoginCompleteRequestIDSingleUse(t *testing.T) {
	app := setupTestApp(t)
	tokens := signUpUser(t, app, "carol@example.com")
	requestID := startAuthorize(t, app, defaultAuthorizeParams())

	completeLogin(t, app, tokens.AccessToken, requestID)

	w := postJSON(t, app, "/login/complete", tokens.AccessToken, loginCompleteRequest{RequestID: requestID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("second completion must fail, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLoginCompleteConcurrentSingleWinner(t *testing.T) {
	app := setupTestApp(t)
	tokens := signUpUser(t, app, "dave@example.com")
	requestID := startAuthorize(t, app, defaultAuthorizeParams())

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := postJSON(t, app, "/login/complete", tokens.AccessToken, loginCompleteRequest{RequestID: requestID})
			if w.Code == http.StatusOK {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("exactly one concurrent completion must succeed, got %d", got)
	}
}

func TestLoginCompleteUnknownRequestID(t *testing.T) {
	app := setupTestApp(t)
	tokens := signUpUser(t, app, "erin@example.com")

	w := postJSON(t, app, "/login/complete", tokens.AccessToken, loginCompleteRequest{RequestID: "missing"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown request, got %d", w.Code)
	}
}
