package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClientID marks first-party tokens minted by the session manager
// rather than through an OAuth2 client.
const sessionClientID = "authd-session"

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenClaims is the OIDC identity assertion handed to clients.
type IDTokenClaims struct {
	Nonce         string `json:"nonce,omitempty"`
	AuthTime      int64  `json:"auth_time,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and validates every credential the server issues:
// access tokens (RS256 JWT), refresh tokens (opaque, stored), and id tokens.
// It is the only component that writes AuthorizationCode and refresh-token
// state.
type TokenService struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	store      Store
	jwks       *JWKSManager
	logger     *slog.Logger
	now        func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store Store, jwks *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:     cfg.Issuer(),
		accessTTL:  time.Duration(cfg.Tokens.AccessTTL),
		refreshTTL: time.Duration(cfg.Tokens.RefreshTTL),
		codeTTL:    time.Duration(cfg.Tokens.CodeTTL),
		store:      store,
		jwks:       jwks,
		logger:     logger,
		now:        time.Now,
	}
}

// Issuer returns the issuer identifier minted into tokens.
func (ts *TokenService) Issuer() string { return ts.issuer }

// IssueCode mints an authorization code bound to the consumed pending
// request and the authenticated session.
func (ts *TokenService) IssueCode(ctx context.Context, req AuthRequest, sess Session) (AuthorizationCode, error) {
	now := ts.now()
	code := AuthorizationCode{
		Code:                NewID(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		UserID:              sess.UserID,
		SessionID:           sess.ID,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AuthTime:            sess.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ts.codeTTL),
	}
	if err := ts.store.SaveAuthCode(ctx, code); err != nil {
		return AuthorizationCode{}, fmt.Errorf("save code: %w", err)
	}
	return code, nil
}

// RedeemCode exchanges an authorization code for the token triad. The code
// is consumed atomically; binding to the presenting client and the original
// redirect_uri is verified before anything is issued.
func (ts *TokenService) RedeemCode(ctx context.Context, code, redirectURI, codeVerifier string, client *Client) (TokenResponse, error) {
	ac, err := ts.store.ConsumeAuthCode(ctx, code, ts.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrReplayed) {
			return TokenResponse{}, fmt.Errorf("code: %w", ErrInvalidGrant)
		}
		return TokenResponse{}, err
	}
	if ac.ClientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("client mismatch: %w", ErrInvalidGrant)
	}
	if ac.RedirectURI != redirectURI {
		return TokenResponse{}, fmt.Errorf("redirect_uri mismatch: %w", ErrInvalidGrant)
	}
	if ac.CodeChallenge != "" {
		if err := verifyPKCE(ac, codeVerifier); err != nil {
			return TokenResponse{}, fmt.Errorf("%v: %w", err, ErrInvalidGrant)
		}
	}

	user, err := ts.store.GetUser(ctx, ac.UserID)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("code subject: %w", err)
	}

	access, err := ts.signAccessToken(ac.UserID, client.ClientID, ac.SessionID, ac.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       ac.Scope,
	}

	if hasScope(ac.Scope, "openid") {
		idToken, err := ts.signIDToken(user, client.ClientID, ac.Nonce, ac.AuthTime)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.IDToken = idToken
	}

	rt := ts.newRefreshToken(client.ClientID, ac.UserID, ac.SessionID, ac.Scope, "")
	if err := ts.store.SaveRefreshToken(ctx, rt); err != nil {
		return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
	}
	resp.RefreshToken = rt.ID
	return resp, nil
}

// Refresh rotates the presented refresh token and reissues an access token
// with the originally granted scope. Replay of an already-rotated token
// revokes the whole session family.
func (ts *TokenService) Refresh(ctx context.Context, token string, client *Client) (TokenResponse, error) {
	return ts.refresh(ctx, token, client.ClientID)
}

// RefreshSession rotates a first-party session refresh token.
func (ts *TokenService) RefreshSession(ctx context.Context, token string) (TokenResponse, error) {
	return ts.refresh(ctx, token, sessionClientID)
}

func (ts *TokenService) refresh(ctx context.Context, token, clientID string) (TokenResponse, error) {
	old, err := ts.store.ConsumeRefreshToken(ctx, token, ts.now())
	if err != nil {
		if errors.Is(err, ErrReplayed) {
			// A rotated token came back. Someone is holding a stale copy,
			// which means the token leaked; kill the whole family.
			ts.logger.Warn("refresh token replay, revoking session family",
				"session_id", old.SessionID, "client_id", old.ClientID)
			if rerr := ts.store.RevokeSessionTokens(ctx, old.SessionID); rerr != nil {
				ts.logger.Error("revoke session family", "error", rerr, "session_id", old.SessionID)
			}
			if rerr := ts.store.RevokeSession(ctx, old.SessionID, ts.now()); rerr != nil && !errors.Is(rerr, ErrNotFound) {
				ts.logger.Error("revoke session", "error", rerr, "session_id", old.SessionID)
			}
			return TokenResponse{}, fmt.Errorf("refresh token replayed: %w", ErrInvalidGrant)
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			return TokenResponse{}, fmt.Errorf("refresh token: %w", ErrInvalidGrant)
		}
		return TokenResponse{}, err
	}
	if old.ClientID != clientID {
		return TokenResponse{}, fmt.Errorf("refresh token client mismatch: %w", ErrInvalidGrant)
	}

	sess, err := ts.store.GetSession(ctx, old.SessionID)
	if err == nil && sess.Revoked() {
		return TokenResponse{}, fmt.Errorf("session revoked: %w", ErrInvalidGrant)
	}

	access, err := ts.signAccessToken(old.UserID, clientID, old.SessionID, old.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	next := ts.newRefreshToken(clientID, old.UserID, old.SessionID, old.Scope, old.ID)
	if err := ts.store.SaveRefreshToken(ctx, next); err != nil {
		return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
	}

	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: next.ID,
		Scope:        old.Scope,
	}, nil
}

// MintForSession issues the first-party access/refresh pair backing a
// sign-in.
func (ts *TokenService) MintForSession(ctx context.Context, sess Session) (TokenResponse, error) {
	scope := "openid profile email"
	access, err := ts.signAccessToken(sess.UserID, sessionClientID, sess.ID, scope)
	if err != nil {
		return TokenResponse{}, err
	}
	rt := ts.newRefreshToken(sessionClientID, sess.UserID, sess.ID, scope, "")
	if err := ts.store.SaveRefreshToken(ctx, rt); err != nil {
		return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
	}
	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: rt.ID,
		Scope:        scope,
	}, nil
}

// ValidateAccessToken parses a minted JWT and checks its backing session is
// still alive, so sign-out takes effect before token expiry.
func (ts *TokenService) ValidateAccessToken(ctx context.Context, token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", ErrUserUnauthenticated)
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, ErrUserUnauthenticated
	}
	if claims.Issuer != ts.issuer {
		return nil, fmt.Errorf("issuer mismatch: %w", ErrUserUnauthenticated)
	}
	if claims.SessionID != "" {
		sess, err := ts.store.GetSession(ctx, claims.SessionID)
		if err != nil || sess.Revoked() || ts.now().After(sess.ExpiresAt) {
			return nil, fmt.Errorf("session gone: %w", ErrUserUnauthenticated)
		}
	}
	return claims, nil
}

func (ts *TokenService) signAccessToken(sub, clientID, sessionID, scope string) (string, error) {
	now := ts.now()
	claims := AccessTokenClaims{
		Scope:     scope,
		ClientID:  clientID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        NewID(),
		},
	}
	return ts.jwks.Sign(claims)
}

func (ts *TokenService) signIDToken(user User, clientID, nonce string, authTime time.Time) (string, error) {
	now := ts.now()
	claims := IDTokenClaims{
		Nonce:         nonce,
		AuthTime:      authTime.Unix(),
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
	return ts.jwks.Sign(claims)
}

func (ts *TokenService) newRefreshToken(clientID, userID, sessionID, scope, parent string) RefreshToken {
	now := ts.now()
	return RefreshToken{
		ID:        NewID(),
		ClientID:  clientID,
		UserID:    userID,
		SessionID: sessionID,
		Scope:     scope,
		ParentID:  parent,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.refreshTTL),
	}
}

func verifyPKCE(code AuthorizationCode, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(code.CodeChallenge)) != 1 {
		return errors.New("pkce verification failed")
	}
	return nil
}

func hasScope(scope, want string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == want {
			return true
		}
	}
	return false
}
