package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// parsedAuthorize carries validated /authorize parameters.
type parsedAuthorize struct {
	Client              *Client
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// handleAuthorize serves GET and POST /authorize with identical semantics.
// Error delivery follows trust in the redirect_uri: until the client and its
// registered redirect_uri check out, errors are returned directly and never
// redirected; afterwards they are delivered to the redirect_uri with state
// echoed.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	// r.Form merges query and body, so GET and POST behave the same.
	q := r.Form

	clientID := q.Get("client_id")
	client, ok := a.Clients.Lookup(clientID)
	if !ok {
		a.Logger.Warn("authorize unknown client", "client_id", clientID)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.ValidRedirect(redirectURI) {
		a.Logger.Warn("authorize unregistered redirect_uri", "client_id", clientID)
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered")
		return
	}

	// The redirect target is trusted from here on.
	req := parsedAuthorize{
		Client:              client,
		RedirectURI:         redirectURI,
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if req.ResponseType != "code" {
		a.redirectError(w, r, req, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	if req.Scope == "" {
		req.Scope = "openid"
	}
	if !client.ValidateScopes(req.Scope) {
		a.redirectError(w, r, req, "invalid_scope", "requested scope exceeds client grant")
		return
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		a.redirectError(w, r, req, "invalid_request", "only S256 code_challenge_method is supported")
		return
	}
	if !client.Confidential && req.CodeChallenge == "" {
		a.redirectError(w, r, req, "invalid_request", "public clients must use PKCE")
		return
	}

	now := time.Now()
	pending := AuthRequest{
		ID:                  NewID(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(a.Config.Tokens.AuthRequestTTL)),
	}
	if err := a.Store.SaveAuthRequest(r.Context(), pending); err != nil {
		a.Logger.Error("save auth request", "error", err)
		a.redirectError(w, r, req, "server_error", "failed to record request")
		return
	}

	// Hand off to the login surface with only the request handle; how the
	// user authenticates is not this endpoint's concern.
	login, err := url.Parse(a.Config.Server.LoginURL)
	if err != nil {
		a.Logger.Error("login url", "error", err)
		a.redirectError(w, r, req, "server_error", "login surface unavailable")
		return
	}
	lq := login.Query()
	lq.Set("request_id", pending.ID)
	login.RawQuery = lq.Encode()
	http.Redirect(w, r, login.String(), http.StatusFound)
}

type loginCompleteRequest struct {
	RequestID string `json:"request_id"`
}

type loginCompleteResponse struct {
	RedirectURI string `json:"redirect_uri"`
}

// handleLoginComplete consumes a pending authorization request on behalf of
// an authenticated user and returns the client redirect carrying the freshly
// minted code. The caller performs the actual browser redirect.
func (a *App) handleLoginComplete(w http.ResponseWriter, r *http.Request) {
	principal, err := a.Sessions.Authenticate(r.Context(), extractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "user_unauthenticated", "valid bearer session required")
		return
	}

	var body loginCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request_id required")
		return
	}

	redirect, err := a.CompleteLogin(r, principal, body.RequestID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUserUnauthenticated) {
			status = http.StatusUnauthorized
		}
		a.Logger.Warn("login completion rejected", "request_id", body.RequestID, "error", err)
		writeOAuthError(w, status, oauthErrorCode(err), "login completion failed")
		return
	}
	writeJSON(w, loginCompleteResponse{RedirectURI: redirect})
}

// CompleteLogin performs the coordinator step: atomically consume the
// pending request (exactly one concurrent caller wins), mint the code, and
// build the redirect. The iss parameter is always attached per RFC 9207.
func (a *App) CompleteLogin(r *http.Request, principal Principal, requestID string) (string, error) {
	ctx := r.Context()
	pending, err := a.Store.ConsumeAuthRequest(ctx, requestID, time.Now())
	if err != nil {
		return "", err
	}

	sess, err := a.Sessions.GetSession(ctx, principal.SessionID)
	if err != nil {
		return "", err
	}

	code, err := a.Tokens.IssueCode(ctx, pending, sess)
	if err != nil {
		return "", err
	}

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return "", err
	}
	values := redirect.Query()
	values.Set("code", code.Code)
	if pending.State != "" {
		values.Set("state", pending.State)
	}
	values.Set("iss", a.Tokens.Issuer())
	redirect.RawQuery = values.Encode()

	a.Logger.Info("authorization code issued",
		"request_id", requestID, "client_id", pending.ClientID, "session_id", sess.ID)
	return redirect.String(), nil
}

// redirectError delivers a post-validation error to the trusted redirect_uri
// with state echoed, per OAuth2 error response rules.
func (a *App) redirectError(w http.ResponseWriter, r *http.Request, req parsedAuthorize, code, desc string) {
	uri, err := url.Parse(req.RedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, desc)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	uri.RawQuery = q.Encode()
	http.Redirect(w, r, uri.String(), http.StatusFound)
}
