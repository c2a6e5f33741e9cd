package server

import (
	"errors"
	"html/template"
	"net/http"
)

// Dev mode ships a minimal hosted login page at /login so the authorization
// flow works end to end without an external login surface. Production
// deployments point server.login_url at their own frontend, which drives
// the same POST /login/complete API.

var devLoginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Sign in</title>
  <style>
    body { font-family: sans-serif; max-width: 24rem; margin: 4rem auto; }
    label { display: block; margin-top: 0.75rem; }
    input { width: 100%; padding: 0.4rem; }
    button { margin-top: 1rem; padding: 0.5rem 1.5rem; }
    .error { color: #b00020; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>Sign in</h1>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <form method="post" action="/login">
    <input type="hidden" name="request_id" value="{{.RequestID}}">
    <label>Email <input type="email" name="email" value="{{.Email}}" required></label>
    <label>Password <input type="password" name="password" required></label>
    <label>Authenticator code (if enabled) <input type="text" name="totp_code" autocomplete="one-time-code"></label>
    <label><input type="checkbox" name="signup" value="1" style="width:auto"> Create this account</label>
    <button type="submit">Continue</button>
  </form>
</body>
</html>
`))

type devLoginPage struct {
	RequestID string
	Email     string
	Error     string
}

func (a *App) handleDevLoginForm(w http.ResponseWriter, r *http.Request) {
	a.renderDevLogin(w, devLoginPage{RequestID: r.URL.Query().Get("request_id")})
}

// handleDevLoginSubmit authenticates the browser user and completes the
// pending authorization request in one step.
func (a *App) handleDevLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	page := devLoginPage{
		RequestID: r.PostFormValue("request_id"),
		Email:     r.PostFormValue("email"),
	}
	if page.RequestID == "" {
		page.Error = "missing authorization request; restart the flow from the client"
		a.renderDevLogin(w, page)
		return
	}

	var (
		resp TokenResponse
		err  error
	)
	password := r.PostFormValue("password")
	if r.PostFormValue("signup") == "1" {
		resp, err = a.Sessions.SignUp(r.Context(), page.Email, password, "dev-login")
	} else {
		resp, err = a.Sessions.SignInPassword(r.Context(), Principal{}, page.Email, password, r.PostFormValue("totp_code"), "dev-login")
	}
	if err != nil {
		page.Error = devLoginErrorMessage(err)
		a.renderDevLogin(w, page)
		return
	}

	principal, err := a.Sessions.Authenticate(r.Context(), resp.AccessToken)
	if err != nil {
		page.Error = "session could not be established"
		a.renderDevLogin(w, page)
		return
	}

	redirect, err := a.CompleteLogin(r, principal, page.RequestID)
	if err != nil {
		page.Error = "authorization request is no longer valid; restart the flow from the client"
		a.renderDevLogin(w, page)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) renderDevLogin(w http.ResponseWriter, page devLoginPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := devLoginTemplate.Execute(w, page); err != nil {
		a.Logger.Error("render dev login", "error", err)
	}
}

func devLoginErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrElevationRequired):
		return "a valid authenticator code is required"
	case errors.Is(err, ErrConflict):
		return "that account already exists"
	case errors.Is(err, ErrInvalidRequest):
		return "enter a valid email and a password of at least 8 characters"
	default:
		return "sign in failed"
	}
}
