package server

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpIssuerName = "authd"

// MFAEnrollment is handed back once at enrollment time. The secret is never
// returned again after activation.
type MFAEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// EnrollTOTP generates a TOTP secret for the caller and returns it with an
// otpauth:// provisioning URI. The factor stays pending until a live code is
// verified via ActivateTOTP.
func (sm *SessionManager) EnrollTOTP(ctx context.Context, caller Principal) (MFAEnrollment, error) {
	if caller.Trust < TrustSession {
		return MFAEnrollment{}, ErrUserUnauthenticated
	}
	user, err := sm.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return MFAEnrollment{}, err
	}
	if user.ActiveMFA == MFAMethodTOTP {
		return MFAEnrollment{}, fmt.Errorf("totp already active: %w", ErrConflict)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuerName,
		AccountName: user.Email,
	})
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	user.PendingMFA = MFAMethodTOTP
	user.MFASecret = key.Secret()
	if err := sm.store.UpdateUser(ctx, user); err != nil {
		return MFAEnrollment{}, err
	}

	sm.logger.Info("totp enrollment started", "user_id", user.ID)
	return MFAEnrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// ActivateTOTP flips the pending factor to active after the caller proves
// possession of the secret with a live code.
func (sm *SessionManager) ActivateTOTP(ctx context.Context, caller Principal, code string) error {
	if caller.Trust < TrustSession {
		return ErrUserUnauthenticated
	}
	user, err := sm.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return err
	}
	if user.PendingMFA != MFAMethodTOTP || user.MFASecret == "" {
		return fmt.Errorf("no pending totp enrollment: %w", ErrInvalidRequest)
	}
	if !verifyTOTPCode(user.MFASecret, code, sm.now()) {
		return fmt.Errorf("activation code rejected: %w", ErrElevationRequired)
	}

	user.ActiveMFA = MFAMethodTOTP
	user.PendingMFA = ""
	if err := sm.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	sm.logger.Info("totp activated", "user_id", user.ID)
	return nil
}

// DisableTOTP removes the active factor. A valid session is not enough:
// disabling requires fresh proof via a live code, which is the elevation
// gate. On failure the account state is untouched.
func (sm *SessionManager) DisableTOTP(ctx context.Context, caller Principal, code string) error {
	if caller.Trust < TrustSession {
		return ErrUserUnauthenticated
	}
	user, err := sm.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return err
	}
	if user.ActiveMFA != MFAMethodTOTP {
		return fmt.Errorf("totp not active: %w", ErrInvalidRequest)
	}
	if err := sm.Elevate(&caller, user, code); err != nil {
		return err
	}

	user.ActiveMFA = ""
	user.PendingMFA = ""
	user.MFASecret = ""
	if err := sm.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	sm.logger.Info("totp disabled", "user_id", user.ID)
	return nil
}

// Elevate upgrades the caller's trust to TrustElevated when the supplied
// code verifies against the user's active factor. Any sensitive mutation can
// reuse this gate.
func (sm *SessionManager) Elevate(caller *Principal, user User, code string) error {
	if caller.Trust < TrustSession {
		return ErrUserUnauthenticated
	}
	if user.ActiveMFA != MFAMethodTOTP {
		return fmt.Errorf("no active factor to elevate with: %w", ErrElevationRequired)
	}
	if code == "" || !verifyTOTPCode(user.MFASecret, code, sm.now()) {
		return fmt.Errorf("fresh totp proof required: %w", ErrElevationRequired)
	}
	caller.Trust = TrustElevated
	return nil
}

func verifyTOTPCode(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
