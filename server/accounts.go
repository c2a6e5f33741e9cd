package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Device   string `json:"device,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
	Device   string `json:"device,omitempty"`
}

type magicStartRequest struct {
	Email string `json:"email"`
}

type tokenBodyRequest struct {
	Token  string `json:"token"`
	Device string `json:"device,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type totpCodeRequest struct {
	Code string `json:"code"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ErrInvalidRequest
	}
	return nil
}

// principal resolves the caller from the Authorization header. Trust is
// TrustNone when no valid bearer credential is presented.
func (a *App) principal(r *http.Request) Principal {
	p, err := a.Sessions.Authenticate(r.Context(), extractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		return Principal{}
	}
	return p
}

func (a *App) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	resp, err := a.Sessions.SignUp(r.Context(), req.Email, req.Password, req.Device)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	resp, err := a.Sessions.SignInPassword(r.Context(), a.principal(r), req.Email, req.Password, req.TOTPCode, req.Device)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleMagicStart(w http.ResponseWriter, r *http.Request) {
	var req magicStartRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.Sessions.StartMagicLink(r.Context(), req.Email); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleMagicComplete(w http.ResponseWriter, r *http.Request) {
	var req tokenBodyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	resp, err := a.Sessions.CompleteMagicLink(r.Context(), a.principal(r), req.Token, req.Device)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// handleSessionRefresh rotates a first-party session refresh token. Stale
// replays revoke the session family, same as the OAuth refresh grant.
func (a *App) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	resp, err := a.Tokens.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.SignOut(r.Context(), a.principal(r)); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSignOutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.Sessions.SignOutAll(r.Context(), a.principal(r))
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"revoked_sessions": n})
}

func (a *App) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	enrollment, err := a.Sessions.EnrollTOTP(r.Context(), a.principal(r))
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, enrollment)
}

func (a *App) handleMFAActivate(w http.ResponseWriter, r *http.Request) {
	var req totpCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.Sessions.ActivateTOTP(r.Context(), a.principal(r), req.Code); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req totpCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.Sessions.DisableTOTP(r.Context(), a.principal(r), req.Code); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req magicStartRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.Sessions.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handlePasswordResetComplete(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.Sessions.CompletePasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleEmailVerifyRequest(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.RequestEmailVerification(r.Context(), a.principal(r)); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleEmailVerifyComplete(w http.ResponseWriter, r *http.Request) {
	var req tokenBodyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.Sessions.CompleteEmailVerification(r.Context(), req.Token); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUserInfo returns claims scoped by the access token's grant.
func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeOAuthError(w, http.StatusUnauthorized, "user_unauthenticated", "bearer token required")
		return
	}
	claims, err := a.Tokens.ValidateAccessToken(r.Context(), token)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "user_unauthenticated", "invalid token")
		return
	}
	resp := map[string]any{"sub": claims.Subject}
	if user, err := a.Store.GetUser(r.Context(), claims.Subject); err == nil {
		if hasScope(claims.Scope, "email") {
			resp["email"] = user.Email
			resp["email_verified"] = user.EmailVerified
		}
	}
	writeJSON(w, resp)
}

// adminPrincipal authenticates the administrative API token. Admin trust is
// an explicit TrustLevel on the returned principal, never a global flag.
func (a *App) adminPrincipal(r *http.Request) (Principal, bool) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	want := a.Config.Admin.APIToken
	if want == "" || token == "" {
		return Principal{}, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return Principal{}, false
	}
	return Principal{Trust: TrustAdmin}, true
}

type adminClientRequest struct {
	ClientID     string   `json:"client_id"`
	Secret       string   `json:"secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	Description  string   `json:"description,omitempty"`
}

// handleAdminUpsertClient registers or replaces an OAuth2 client at runtime.
func (a *App) handleAdminUpsertClient(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminPrincipal(r); !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "admin credential required")
		return
	}
	var req adminClientRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if req.ClientID == "" || len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uris required")
		return
	}
	if req.ClientID == sessionClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id is reserved")
		return
	}
	var secretHash string
	if req.Secret != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
		if err != nil {
			a.writeAPIError(w, r, err)
			return
		}
		secretHash = string(h)
	}
	a.Clients.Add(&Client{
		ClientID:     req.ClientID,
		SecretHash:   secretHash,
		Confidential: secretHash != "",
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
		Description:  req.Description,
	})
	a.Logger.Info("client registered", "client_id", req.ClientID, "confidential", secretHash != "")
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminDeleteClient deregisters a client and cascades deletion of its
// pending requests, codes, and refresh tokens.
func (a *App) handleAdminDeleteClient(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminPrincipal(r); !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "admin credential required")
		return
	}
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client id required")
		return
	}
	if !a.Clients.Remove(clientID) {
		writeOAuthError(w, http.StatusNotFound, "invalid_request", "unknown client")
		return
	}
	if err := a.Store.DeleteClientArtifacts(r.Context(), clientID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	a.Logger.Info("client removed", "client_id", clientID)
	w.WriteHeader(http.StatusNoContent)
}
