package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oauth2d/oauth"
)

// IdentityProvider tells the authorization endpoint who the resource owner is.
type IdentityProvider interface {
	// CurrentUser returns nil without error when nobody is signed in.
	CurrentUser(r *http.Request) (*oauth.User, error)
	LoginURL(returnTo string) string
	LookupUser(ctx context.Context, id string) (*oauth.User, error)
}

// UpstreamIdP is an external OpenID provider used to sign users in.
type UpstreamIdP interface {
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, expectedNonce, verifier string) (ProviderUser, error)
}

// ProviderUser consolidates identity data from upstream IdPs.
type ProviderUser struct {
	Subject  string
	Email    string
	Name     string
	Username string
}

// sessionIdentity resolves the user from the login session cookie.
type sessionIdentity struct {
	sessions *SessionManager
	users    *UserDirectory
}

func (si *sessionIdentity) CurrentUser(r *http.Request) (*oauth.User, error) {
	sess := si.sessions.Fetch(r)
	if sess == nil {
		return nil, nil
	}
	user, err := si.users.LookupUser(r.Context(), sess.UserID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func (si *sessionIdentity) LoginURL(returnTo string) string {
	return "/login?" + url.Values{"return_to": {returnTo}}.Encode()
}

func (si *sessionIdentity) LookupUser(ctx context.Context, id string) (*oauth.User, error) {
	return si.users.LookupUser(ctx, id)
}

// OIDCProvider wraps an upstream IdP configuration and helpers.
type OIDCProvider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", name)
	}

	issuer := upstream.Issuer
	if upstream.TenantID != "" {
		if resolved, ok := resolveAzureTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		logger:   logger,
	}, nil
}

// AuthCodeURL constructs the upstream authorization request with PKCE.
func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange and returns a normalized user.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce, verifier string) (ProviderUser, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ProviderUser{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != expectedNonce {
		return ProviderUser{}, errors.New("nonce mismatch")
	}

	var claims struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return ProviderUser{}, fmt.Errorf("parse claims: %w", err)
	}

	user := ProviderUser{
		Subject:  idToken.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		Username: claims.PreferredUsername,
	}
	if user.Name == "" {
		user.Name = claims.PreferredUsername
	}
	if user.Username == "" {
		user.Username = claims.Email
	}
	return user, nil
}

// BuildProviders prepares all configured upstream providers.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[string]UpstreamIdP, error) {
	providers := make(map[string]UpstreamIdP)
	base := strings.TrimSuffix(cfg.Server.PublicURL, "/")

	for name, upstream := range cfg.Identity.Providers {
		prov, err := NewOIDCProvider(ctx, name, upstream, base+"/callback/"+name, logger)
		if err != nil {
			if cfg.Server.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				continue
			}
			return nil, err
		}
		providers[name] = prov
	}

	if def := cfg.Identity.DefaultProvider; def != "" {
		if _, ok := providers[def]; !ok {
			if !cfg.Server.DevMode {
				return nil, fmt.Errorf("default provider %s not configured", def)
			}
			logger.Warn("default provider unavailable", "provider", def)
		}
	}
	return providers, nil
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
