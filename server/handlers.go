package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Clients  *ClientRegistry
	JWKS     *JWKSManager
	Tokens   *TokenService
	Sessions *SessionManager
	Notifier Notifier
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var store Store
	switch cfg.Storage.Backend {
	case "", "memory":
		store = NewInMemoryStore()
	case "sqlite":
		st, err := NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		store = st
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	notifier := Notifier(LogNotifier{Logger: logger})
	tokens := NewTokenService(cfg, store, jwks, logger)
	sessions := NewSessionManager(cfg, store, tokens, notifier, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Clients:  clients,
		JWKS:     jwks,
		Tokens:   tokens,
		Sessions: sessions,
		Notifier: notifier,
	}, nil
}

// StartSweep launches the background expiry sweep so pending requests,
// codes, and tokens do not accumulate past their TTL.
func (a *App) StartSweep(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := a.Store.Sweep(ctx, time.Now()); err != nil {
					a.Logger.Error("store sweep", "error", err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// handleToken serves POST /token for the authorization_code and
// refresh_token grants. Errors are always direct JSON; there is no redirect
// concept here.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		a.Logger.Warn("token client auth failed", "client_id", r.FormValue("client_id"), "error", err)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		a.handleTokenRefresh(w, r, client)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "supported grants: authorization_code, refresh_token")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *Client) {
	code := r.FormValue("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}
	resp, err := a.Tokens.RedeemCode(r.Context(), code, r.FormValue("redirect_uri"), r.FormValue("code_verifier"), client)
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client *Client) {
	token := r.FormValue("refresh_token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}
	resp, err := a.Tokens.Refresh(r.Context(), token, client)
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (a *App) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	code := oauthErrorCode(err)
	status := http.StatusBadRequest
	if code == "invalid_client" {
		status = http.StatusUnauthorized
	}
	if code == "server_error" {
		status = http.StatusInternalServerError
		a.Logger.Error("token endpoint failure", "request_id", RequestIDFromContext(r.Context()), "error", err)
	} else {
		a.Logger.Warn("token request rejected", "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
	writeOAuthError(w, status, code, "")
}

// authenticateClient accepts client_secret_basic or client_secret_post.
func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError emits a direct (non-redirect) OAuth2 error body.
func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}

// apiStatus maps account/session errors onto HTTP statuses.
func apiStatus(err error) int {
	switch {
	case errors.Is(err, ErrUserUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrElevationRequired):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadySignedIn), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidGrant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := apiStatus(err)
	if status == http.StatusInternalServerError {
		a.Logger.Error("request failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeOAuthError(w, status, "server_error", "")
		return
	}
	writeOAuthError(w, status, oauthErrorCode(err), "")
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
