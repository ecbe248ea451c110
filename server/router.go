package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(a.Metrics.Middleware)
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/.well-known/oauth-authorization-server", a.handleDiscovery)
	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/authorize", a.handleAuthorize)

	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLoginSubmit)
	r.Get("/login/{idp}", a.handleProviderLogin)
	r.Get("/callback/{idp}", a.handleCallback)
	r.Post("/logout", a.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware(a.Config.InferCORSOrigins()))
		if a.Limiter != nil {
			r.With(a.Limiter.Middleware(a.Config.Server.TrustProxyHeaders, a.Metrics)).
				Post("/token", a.handleToken)
		} else {
			r.Post("/token", a.handleToken)
		}
		r.Options("/token", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		r.Get("/userinfo", a.handleUserInfo)
		r.Options("/userinfo", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	return r
}
