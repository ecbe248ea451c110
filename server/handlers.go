package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"oauth2d/oauth"
)

const bearerRealm = "oauth2d"

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.authorizeError(w, r, oauth.ErrInvalidRequest("malformed request"))
		return
	}
	params := oauth.ParamsFromValues(r.Form)

	req, err := a.Authorizer.Authorize(r.Context(), params)
	if err != nil {
		a.authorizeError(w, r, err)
		return
	}

	user, err := a.Identity.CurrentUser(r)
	if err != nil {
		a.Logger.Error("authorize.current_user", "error", err)
		a.authorizeError(w, r, oauth.ErrServerError(err).WithRedirect(req.RedirectURI, req.State))
		return
	}

	if req.HasPrompt(oauth.PromptNone) {
		switch {
		case user == nil:
			a.authorizeError(w, r, oauth.ErrLoginRequired().WithRedirect(req.RedirectURI, req.State))
		case !req.Client.SkipConsent || req.HasPrompt(oauth.PromptConsent):
			a.authorizeError(w, r, oauth.ErrConsentRequired().WithRedirect(req.RedirectURI, req.State))
		default:
			a.completeAuthorization(w, r, req, oauth.Decision{Approved: true, UserID: user.ID})
		}
		return
	}

	if user == nil || req.HasPrompt(oauth.PromptLogin) {
		if user != nil {
			a.Sessions.Destroy(w, r)
		}
		http.Redirect(w, r, a.Identity.LoginURL(authorizeReturnURL(params)), http.StatusFound)
		return
	}

	sess := a.Sessions.Fetch(r)
	if r.Method == http.MethodPost {
		if !sess.ValidCSRF(r.PostForm.Get("csrf_token")) {
			a.Logger.Warn("authorize.csrf_failed", "client_id", req.Client.ID, "user_id", user.ID)
			a.renderError(w, http.StatusForbidden, oauth.ErrorCodeInvalidRequest, "security check failed, please try again")
			return
		}
		approved := r.PostForm.Has("approve") && !r.PostForm.Has("deny")
		a.completeAuthorization(w, r, req, oauth.Decision{Approved: approved, UserID: user.ID})
		return
	}

	if req.Client.SkipConsent && !req.HasPrompt(oauth.PromptConsent) {
		a.completeAuthorization(w, r, req, oauth.Decision{Approved: true, UserID: user.ID})
		return
	}

	csrf := ""
	if sess != nil {
		csrf = sess.CSRFToken
	}
	a.renderApproval(w, req, user, params, csrf)
}

func (a *App) completeAuthorization(w http.ResponseWriter, r *http.Request, req *oauth.AuthorizationRequest, d oauth.Decision) {
	redirectURL, err := a.Authorizer.Complete(r.Context(), req, d)
	if err != nil {
		a.authorizeError(w, r, err)
		return
	}
	if !d.Approved {
		a.Metrics.OAuthError("authorize", oauth.ErrAccessDenied())
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// authorizeError redirects to the client when the error carries a trusted
// redirect URI and renders it to the user agent otherwise.
func (a *App) authorizeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oauth.AsError(err)
	a.Metrics.OAuthError("authorize", oe)
	if oe.Redirect {
		target, rerr := oe.RedirectURL()
		if rerr == nil {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		a.Logger.Error("authorize.redirect_error", "error", rerr)
	}
	a.renderError(w, oe.Status, oe.Code, oe.Description)
}

type hiddenField struct {
	Name  string
	Value string
}

func (a *App) renderApproval(w http.ResponseWriter, req *oauth.AuthorizationRequest, user *oauth.User, params oauth.AuthorizeParams, csrf string) {
	values := params.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hidden := make([]hiddenField, 0, len(keys))
	for _, k := range keys {
		hidden = append(hidden, hiddenField{Name: k, Value: values.Get(k)})
	}

	userName := user.Name
	if userName == "" {
		userName = user.Username
	}
	data := map[string]any{
		"Title":      "Authorize " + req.Client.Name,
		"ClientName": req.Client.Name,
		"UserName":   userName,
		"Scopes":     req.Scopes,
		"Action":     "/authorize",
		"Hidden":     hidden,
		"CSRFToken":  csrf,
	}
	w.Header().Set("Cache-Control", "no-store")
	a.renderTemplate(w, http.StatusOK, "approve", data)
}

func (a *App) renderError(w http.ResponseWriter, status int, code, description string) {
	a.renderTemplate(w, status, "error", map[string]any{
		"Title":       "Error",
		"Code":        code,
		"Description": description,
	})
}

func (a *App) renderTemplate(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := a.templates.ExecuteTemplate(w, name, data); err != nil {
		a.Logger.Error("template render", "template", name, "error", err)
	}
}

// authorizeReturnURL rebuilds the authorization request for after login,
// dropping prompt=login so the round trip does not repeat.
func authorizeReturnURL(p oauth.AuthorizeParams) string {
	prompts := strings.Fields(p.Prompt)
	kept := prompts[:0]
	for _, pr := range prompts {
		if pr != oauth.PromptLogin {
			kept = append(kept, pr)
		}
	}
	p.Prompt = strings.Join(kept, " ")
	return "/authorize?" + p.Values().Encode()
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		a.tokenError(w, oauth.ErrInvalidRequest("malformed form body"), false)
		return
	}
	req := oauth.TokenRequestFromValues(r.PostForm)

	basic := false
	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientSecret != "" {
			a.tokenError(w, oauth.ErrInvalidRequest("multiple client authentication methods"), true)
			return
		}
		id, err1 := url.QueryUnescape(id)
		secret, err2 := url.QueryUnescape(secret)
		if err1 != nil || err2 != nil || (req.ClientID != "" && req.ClientID != id) {
			a.tokenError(w, oauth.ErrInvalidClient(""), true)
			return
		}
		req.ClientID, req.ClientSecret = id, secret
		basic = true
	}

	resp, err := a.Tokens.Exchange(r.Context(), req)
	if err != nil {
		a.tokenError(w, err, basic)
		return
	}
	a.Metrics.TokenIssued(req.GrantType)
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) tokenError(w http.ResponseWriter, err error, basic bool) {
	oe := oauth.AsError(err)
	a.Metrics.OAuthError("token", oe)
	if oe.Code == oauth.ErrorCodeInvalidClient && basic {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", bearerRealm))
	}
	writeOAuthError(w, oe)
}

// UserInfo is the /userinfo payload.
type UserInfo struct {
	Subject  string `json:"sub"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	bearer := extractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", bearerRealm))
		writeOAuthError(w, oauth.ErrInvalidToken())
		return
	}

	id, err := a.Resource.Authenticate(r.Context(), bearer)
	if err != nil {
		a.bearerError(w, err)
		return
	}
	if id.UserID == "" {
		a.bearerError(w, oauth.ErrInvalidToken())
		return
	}

	user, err := a.Identity.LookupUser(r.Context(), id.UserID)
	if errors.Is(err, oauth.ErrNotFound) {
		a.Logger.Warn("userinfo.unknown_user", "user_id", id.UserID, "client_id", id.ClientID)
		a.bearerError(w, oauth.ErrInvalidToken())
		return
	}
	if err != nil {
		a.bearerError(w, oauth.ErrServerError(fmt.Errorf("lookup user: %w", err)))
		return
	}

	writeJSON(w, http.StatusOK, UserInfo{
		Subject:  user.ID,
		Name:     user.Name,
		Email:    user.Email,
		Username: user.Username,
		Profile:  user.ProfileURL,
	})
}

func (a *App) bearerError(w http.ResponseWriter, err error) {
	oe := oauth.AsError(err)
	a.Metrics.OAuthError("userinfo", oe)
	if oe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("Bearer realm=%q, error=%q, error_description=%q", bearerRealm, oe.Code, oe.Description))
	}
	writeOAuthError(w, oe)
}

// Metadata is the authorization server metadata document (RFC 8414).
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(a.Config.Server.PublicURL, "/")
	methods := []string{oauth.PKCEMethodS256}
	if a.Config.Tokens.AllowPlainPKCE {
		methods = append(methods, oauth.PKCEMethodPlain)
	}
	writeJSON(w, http.StatusOK, Metadata{
		Issuer:                            a.Config.Issuer(),
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		UserinfoEndpoint:                  base + "/userinfo",
		JWKSURI:                           base + "/.well-known/jwks.json",
		ScopesSupported:                   oauth.ScopeIDs(a.Scopes.All()),
		ResponseTypesSupported:            []string{oauth.ResponseTypeCode},
		GrantTypesSupported:               []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken, oauth.GrantClientCredentials},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     methods,
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.backend != nil && a.backend.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.backend.Ping(ctx); err != nil {
			a.Logger.Error("health.storage", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, oe *oauth.Error) {
	body := map[string]string{"error": oe.Code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	writeJSON(w, oe.Status, body)
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
