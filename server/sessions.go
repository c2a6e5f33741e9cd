package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SessionManager authenticates end users and owns first-party session
// lifecycle: sign-up, password and passwordless sign-in, sign-out for one
// device or all of them, password reset, and email verification. MFA policy
// lives in mfa.go on the same type.
type SessionManager struct {
	store         Store
	tokens        *TokenService
	notifier      Notifier
	logger        *slog.Logger
	sessionTTL    time.Duration
	loginTokenTTL time.Duration
	now           func() time.Time
}

// NewSessionManager constructs a session manager.
func NewSessionManager(cfg Config, store Store, tokens *TokenService, notifier Notifier, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:         store,
		tokens:        tokens,
		notifier:      notifier,
		logger:        logger,
		sessionTTL:    time.Duration(cfg.Sessions.TTL),
		loginTokenTTL: time.Duration(cfg.Sessions.LoginTokenTTL),
		now:           time.Now,
	}
}

// Authenticate resolves a bearer access token into a Principal. The zero
// Principal plus ErrUserUnauthenticated comes back for anything invalid.
func (sm *SessionManager) Authenticate(ctx context.Context, bearer string) (Principal, error) {
	if bearer == "" {
		return Principal{}, ErrUserUnauthenticated
	}
	claims, err := sm.tokens.ValidateAccessToken(ctx, bearer)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Trust:     TrustSession,
	}, nil
}

// SignUp registers a new user with a password and signs them in. A
// verification token goes out through the notifier.
func (sm *SessionManager) SignUp(ctx context.Context, email, password, device string) (TokenResponse, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return TokenResponse{}, fmt.Errorf("email required: %w", ErrInvalidRequest)
	}
	if len(password) < 8 {
		return TokenResponse{}, fmt.Errorf("password too short: %w", ErrInvalidRequest)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("hash password: %w", err)
	}
	user := User{
		ID:           NewID(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    sm.now(),
	}
	if err := sm.store.CreateUser(ctx, user); err != nil {
		return TokenResponse{}, err
	}

	if err := sm.sendLoginToken(ctx, user, PurposeEmailVerify); err != nil {
		sm.logger.Warn("send verification", "error", err, "user_id", user.ID)
	}
	return sm.establishSession(ctx, user, device)
}

// SignInPassword authenticates with email+password, plus a TOTP code when
// the account has MFA active. A caller already holding a valid session gets
// ErrAlreadySignedIn rather than a second silent success.
func (sm *SessionManager) SignInPassword(ctx context.Context, caller Principal, email, password, totpCode, device string) (TokenResponse, error) {
	if caller.Trust >= TrustSession {
		return TokenResponse{}, ErrAlreadySignedIn
	}
	user, err := sm.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Same cost whether the account exists or not.
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(password))
		return TokenResponse{}, fmt.Errorf("unknown account: %w", ErrUserUnauthenticated)
	}
	if user.PasswordHash == "" {
		return TokenResponse{}, fmt.Errorf("passwordless account: %w", ErrUserUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return TokenResponse{}, fmt.Errorf("bad password: %w", ErrUserUnauthenticated)
	}
	if user.ActiveMFA == MFAMethodTOTP {
		if totpCode == "" {
			return TokenResponse{}, fmt.Errorf("totp code required: %w", ErrElevationRequired)
		}
		if !verifyTOTPCode(user.MFASecret, totpCode, sm.now()) {
			return TokenResponse{}, fmt.Errorf("bad totp code: %w", ErrElevationRequired)
		}
	}
	return sm.establishSession(ctx, user, device)
}

// StartMagicLink issues a single-use passwordless sign-in token delivered by
// the notifier. Unknown addresses are not revealed to the caller.
func (sm *SessionManager) StartMagicLink(ctx context.Context, email string) error {
	user, err := sm.store.GetUserByEmail(ctx, email)
	if err != nil {
		sm.logger.Info("magic link for unknown email", "error", err)
		return nil
	}
	return sm.sendLoginToken(ctx, user, PurposeMagicLink)
}

// CompleteMagicLink redeems a magic-link token and signs the user in. The
// token is consumed atomically; a second redemption fails.
func (sm *SessionManager) CompleteMagicLink(ctx context.Context, caller Principal, token, device string) (TokenResponse, error) {
	if caller.Trust >= TrustSession {
		return TokenResponse{}, ErrAlreadySignedIn
	}
	lt, err := sm.store.ConsumeLoginToken(ctx, token, PurposeMagicLink, sm.now())
	if err != nil {
		return TokenResponse{}, fmt.Errorf("magic link: %w", ErrUserUnauthenticated)
	}
	user, err := sm.store.GetUser(ctx, lt.UserID)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("magic link subject: %w", err)
	}
	// Arriving via an emailed link proves control of the mailbox.
	if !user.EmailVerified {
		user.EmailVerified = true
		if err := sm.store.UpdateUser(ctx, user); err != nil {
			return TokenResponse{}, err
		}
	}
	return sm.establishSession(ctx, user, device)
}

// SignOut revokes the caller's session and its refresh-token family.
func (sm *SessionManager) SignOut(ctx context.Context, caller Principal) error {
	if caller.Trust < TrustSession {
		return ErrUserUnauthenticated
	}
	if err := sm.store.RevokeSession(ctx, caller.SessionID, sm.now()); err != nil {
		return err
	}
	return sm.store.RevokeSessionTokens(ctx, caller.SessionID)
}

// SignOutAll atomically revokes every session and refresh token belonging to
// the caller's user, across all devices. Returns the number of sessions
// revoked.
func (sm *SessionManager) SignOutAll(ctx context.Context, caller Principal) (int, error) {
	if caller.Trust < TrustSession {
		return 0, ErrUserUnauthenticated
	}
	n, err := sm.store.RevokeUserSessions(ctx, caller.UserID, sm.now())
	if err != nil {
		return 0, err
	}
	if _, err := sm.store.RevokeUserTokens(ctx, caller.UserID); err != nil {
		return n, err
	}
	return n, nil
}

// RequestPasswordReset sends a single-use reset token. Unknown addresses are
// not revealed.
func (sm *SessionManager) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := sm.store.GetUserByEmail(ctx, email)
	if err != nil {
		sm.logger.Info("password reset for unknown email", "error", err)
		return nil
	}
	return sm.sendLoginToken(ctx, user, PurposePasswordReset)
}

// CompletePasswordReset consumes the reset token, replaces the password
// hash, and signs the user out everywhere.
func (sm *SessionManager) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("password too short: %w", ErrInvalidRequest)
	}
	lt, err := sm.store.ConsumeLoginToken(ctx, token, PurposePasswordReset, sm.now())
	if err != nil {
		return fmt.Errorf("reset token: %w", ErrInvalidGrant)
	}
	user, err := sm.store.GetUser(ctx, lt.UserID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)
	if err := sm.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	if _, err := sm.store.RevokeUserSessions(ctx, user.ID, sm.now()); err != nil {
		return err
	}
	_, err = sm.store.RevokeUserTokens(ctx, user.ID)
	return err
}

// RequestEmailVerification re-sends a verification token for the caller.
func (sm *SessionManager) RequestEmailVerification(ctx context.Context, caller Principal) error {
	if caller.Trust < TrustSession {
		return ErrUserUnauthenticated
	}
	user, err := sm.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}
	return sm.sendLoginToken(ctx, user, PurposeEmailVerify)
}

// CompleteEmailVerification consumes a verification token and flips the
// verified flag.
func (sm *SessionManager) CompleteEmailVerification(ctx context.Context, token string) error {
	lt, err := sm.store.ConsumeLoginToken(ctx, token, PurposeEmailVerify, sm.now())
	if err != nil {
		return fmt.Errorf("verification token: %w", ErrInvalidGrant)
	}
	user, err := sm.store.GetUser(ctx, lt.UserID)
	if err != nil {
		return err
	}
	user.EmailVerified = true
	return sm.store.UpdateUser(ctx, user)
}

// GetSession fetches a live session; revoked or expired sessions come back
// as errors.
func (sm *SessionManager) GetSession(ctx context.Context, id string) (Session, error) {
	sess, err := sm.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Revoked() {
		return Session{}, ErrUserUnauthenticated
	}
	if sm.now().After(sess.ExpiresAt) {
		return Session{}, fmt.Errorf("session: %w", ErrExpired)
	}
	return sess, nil
}

func (sm *SessionManager) establishSession(ctx context.Context, user User, device string) (TokenResponse, error) {
	now := sm.now()
	sess := Session{
		ID:        NewID(),
		UserID:    user.ID,
		Device:    device,
		AuthTime:  now,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.sessionTTL),
	}
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return TokenResponse{}, fmt.Errorf("save session: %w", err)
	}
	resp, err := sm.tokens.MintForSession(ctx, sess)
	if err != nil {
		return TokenResponse{}, err
	}
	sm.logger.Info("session established", "user_id", user.ID, "session_id", sess.ID, "device", device)
	return resp, nil
}

func (sm *SessionManager) sendLoginToken(ctx context.Context, user User, purpose LoginTokenPurpose) error {
	now := sm.now()
	lt := LoginToken{
		ID:        NewID(),
		UserID:    user.ID,
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.loginTokenTTL),
	}
	if err := sm.store.SaveLoginToken(ctx, lt); err != nil {
		return fmt.Errorf("save login token: %w", err)
	}
	var err error
	switch purpose {
	case PurposeMagicLink:
		err = sm.notifier.SendMagicLink(ctx, user.Email, lt.ID)
	case PurposePasswordReset:
		err = sm.notifier.SendPasswordReset(ctx, user.Email, lt.ID)
	case PurposeEmailVerify:
		err = sm.notifier.SendVerification(ctx, user.Email, lt.ID)
	default:
		err = errors.New("unknown login token purpose")
	}
	if err != nil {
		return fmt.Errorf("deliver %s: %w", purpose, err)
	}
	return nil
}
