package server

import "time"

// TrustLevel describes how strongly the caller of an operation has proven
// itself. It is always threaded explicitly through calls; nothing in the core
// infers trust from ambient state.
type TrustLevel int

const (
	TrustNone TrustLevel = iota
	// TrustSession is an ordinary valid bearer session.
	TrustSession
	// TrustElevated means the caller presented fresh strong proof (a live
	// TOTP code) in the same request.
	TrustElevated
	// TrustAdmin is the administrative API credential.
	TrustAdmin
)

// Principal identifies the authenticated caller of an internal operation.
type Principal struct {
	UserID    string
	SessionID string
	Trust     TrustLevel
}

// Client records OAuth2 client metadata. Confidential clients carry a bcrypt
// hash of their secret; the plaintext is never stored.
type Client struct {
	ClientID     string
	SecretHash   string
	Confidential bool
	RedirectURIs []string
	Scopes       []string
	Description  string
}

// AuthRequest is a pending authorization request created by /authorize and
// consumed exactly once by login completion.
type AuthRequest struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AuthorizationCode is a short-lived single-use code bound to the exact
// client/redirect pair that requested it.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	UserID              string
	SessionID           string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// Session is a first-party authenticated session for one device.
type Session struct {
	ID        string
	UserID    string
	Device    string
	AuthTime  time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt time.Time
}

// Revoked reports whether the session has been explicitly revoked.
func (s Session) Revoked() bool { return !s.RevokedAt.IsZero() }

// RefreshToken is an opaque stored token. Rotation marks the old record
// rotated and links the replacement via ParentID; a whole chain shares the
// SessionID, which is the revocation unit on replay.
type RefreshToken struct {
	ID        string
	ClientID  string
	UserID    string
	SessionID string
	Scope     string
	ParentID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Rotated   bool
	Revoked   bool
}

// MFAMethod enumerates supported second factors.
type MFAMethod string

const MFAMethodTOTP MFAMethod = "totp"

// User holds credential state. MFASecret is only meaningful while PendingMFA
// or ActiveMFA is set and is never serialized back to callers after
// activation.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	ActiveMFA     MFAMethod
	PendingMFA    MFAMethod
	MFASecret     string
	CreatedAt     time.Time
}

// LoginTokenPurpose distinguishes the single-use tokens delivered through the
// notifier.
type LoginTokenPurpose string

const (
	PurposeMagicLink     LoginTokenPurpose = "magic_link"
	PurposePasswordReset LoginTokenPurpose = "password_reset"
	PurposeEmailVerify   LoginTokenPurpose = "email_verify"
)

// LoginToken is a single-use token sent out of band (magic link, password
// reset, email verification).
type LoginToken struct {
	ID        string
	UserID    string
	Purpose   LoginTokenPurpose
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// TokenResponse matches the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
