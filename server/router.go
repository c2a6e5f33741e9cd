package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth/OIDC and account
// endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	if a.Config.Server.DevMode {
		r.Get("/login", a.handleDevLoginForm)
		r.Post("/login", a.handleDevLoginSubmit)
	}

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/authorize", a.handleAuthorize)
	r.Post("/login/complete", a.handleLoginComplete)
	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)

	r.Route("/account", func(r chi.Router) {
		r.Post("/signup", a.handleSignUp)
		r.Post("/signin", a.handleSignIn)
		r.Post("/signin/magic", a.handleMagicStart)
		r.Post("/signin/magic/complete", a.handleMagicComplete)
		r.Post("/session/refresh", a.handleSessionRefresh)
		r.Post("/signout", a.handleSignOut)
		r.Post("/signout/all", a.handleSignOutAll)
		r.Post("/mfa/totp/enroll", a.handleMFAEnroll)
		r.Post("/mfa/totp/activate", a.handleMFAActivate)
		r.Post("/mfa/totp/disable", a.handleMFADisable)
		r.Post("/password/reset", a.handlePasswordResetRequest)
		r.Post("/password/reset/complete", a.handlePasswordResetComplete)
		r.Post("/email/verify", a.handleEmailVerifyRequest)
		r.Post("/email/verify/complete", a.handleEmailVerifyComplete)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/clients", a.handleAdminUpsertClient)
		r.Delete("/clients/{clientID}", a.handleAdminDeleteClient)
	})

	return r
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}
