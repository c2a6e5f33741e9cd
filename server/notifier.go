package server

import (
	"context"
	"log/slog"
)

// Notifier delivers out-of-band messages (email or SMS). Delivery itself is
// an external collaborator; the core only hands over the address and the
// single-use token.
type Notifier interface {
	SendMagicLink(ctx context.Context, email, token string) error
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogNotifier writes deliveries to the log instead of sending them. Dev mode
// only; the token lands in the log on purpose there.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) SendMagicLink(ctx context.Context, email, token string) error {
	n.Logger.Info("magic link", "email", email, "token", token)
	return nil
}

func (n LogNotifier) SendVerification(ctx context.Context, email, token string) error {
	n.Logger.Info("verification", "email", email, "token", token)
	return nil
}

func (n LogNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	n.Logger.Info("password reset", "email", email, "token", token)
	return nil
}
