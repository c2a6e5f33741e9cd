package server

import "errors"

// Sentinel errors for the protocol core. Handlers translate these into
// OAuth2 error codes; services return them unwrapped or wrapped with %w so
// callers can test with errors.Is.
var (
	ErrInvalidClient           = errors.New("invalid_client")
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrUnsupportedResponseType = errors.New("unsupported_response_type")
	ErrInvalidScope            = errors.New("invalid_scope")
	ErrInvalidGrant            = errors.New("invalid_grant")
	ErrAlreadySignedIn         = errors.New("already_signed_in")
	ErrUserUnauthenticated     = errors.New("user_unauthenticated")
	ErrElevationRequired       = errors.New("elevation_required")
	ErrNotFound                = errors.New("not_found")
	ErrExpired                 = errors.New("expired")
	ErrConflict                = errors.New("conflict")

	// ErrReplayed reports reuse of an already-consumed single-use artifact
	// (rotated refresh token, redeemed code). Callers treat it as a
	// compromise signal, not a plain miss.
	ErrReplayed = errors.New("replayed")
)

// oauthErrorCode maps an internal error to the wire-level OAuth2 error code.
func oauthErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, ErrUnsupportedResponseType):
		return "unsupported_response_type"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrReplayed),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
		return "invalid_grant"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAlreadySignedIn):
		return "already_signed_in"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUserUnauthenticated):
		return "user_unauthenticated"
	case errors.Is(err, ErrElevationRequired):
		return "elevation_required"
	default:
		return "server_error"
	}
}
