package server

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"oauth2d/oauth"
)

const (
	loginCSRFCookie = "oauth2d_login_csrf"
	localIDP        = "local"
)

type providerLink struct {
	Name string
	URL  string
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("return_to"))

	if def := a.Config.Identity.DefaultProvider; def != "" && !a.Users.HasLocalUsers() {
		if _, ok := a.Providers[def]; ok {
			http.Redirect(w, r, providerLoginPath(def, returnTo), http.StatusFound)
			return
		}
	}
	a.renderLogin(w, http.StatusOK, returnTo, "")
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderError(w, http.StatusBadRequest, oauth.ErrorCodeInvalidRequest, "malformed form body")
		return
	}
	returnTo := safeReturnTo(r.PostForm.Get("return_to"))

	cookie, err := r.Cookie(loginCSRFCookie)
	submitted := r.PostForm.Get("csrf_token")
	if err != nil || submitted == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(submitted)) != 1 {
		a.Logger.Warn("login.csrf_failed")
		a.renderLogin(w, http.StatusForbidden, returnTo, "Your session expired, please try again.")
		return
	}

	user, ok := a.Users.Verify(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if !ok {
		a.Logger.Info("login.failed", "username", r.PostForm.Get("username"))
		a.renderLogin(w, http.StatusUnauthorized, returnTo, "Invalid username or password.")
		return
	}

	if _, err := a.Sessions.Create(w, user.ID, localIDP); err != nil {
		a.Logger.Error("login.session", "error", err)
		a.renderError(w, http.StatusInternalServerError, oauth.ErrorCodeServerError, "could not start a session")
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (a *App) renderLogin(w http.ResponseWriter, status int, returnTo, errMsg string) {
	csrf, err := oauth.RandomToken(sessionIDBytes)
	if err != nil {
		a.renderError(w, http.StatusInternalServerError, oauth.ErrorCodeServerError, "")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCSRFCookie,
		Value:    csrf,
		Path:     "/login",
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(loginStateTTL.Seconds()),
	})

	names := make([]string, 0, len(a.Providers))
	for name := range a.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	links := make([]providerLink, 0, len(names))
	for _, name := range names {
		links = append(links, providerLink{Name: name, URL: providerLoginPath(name, returnTo)})
	}

	w.Header().Set("Cache-Control", "no-store")
	a.renderTemplate(w, status, "login", map[string]any{
		"Title":      "Sign in",
		"Error":      errMsg,
		"LocalLogin": a.Users.HasLocalUsers(),
		"ReturnTo":   returnTo,
		"CSRFToken":  csrf,
		"Providers":  links,
	})
}

func (a *App) handleProviderLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		a.renderError(w, http.StatusNotFound, oauth.ErrorCodeInvalidRequest, "unknown identity provider")
		return
	}

	state, err := oauth.RandomToken(sessionIDBytes)
	if err != nil {
		a.renderError(w, http.StatusInternalServerError, oauth.ErrorCodeServerError, "")
		return
	}
	nonce, err := oauth.RandomToken(sessionIDBytes)
	if err != nil {
		a.renderError(w, http.StatusInternalServerError, oauth.ErrorCodeServerError, "")
		return
	}
	verifier := oauth2.GenerateVerifier()

	a.Sessions.saveLoginState(state, loginState{
		Provider: name,
		ReturnTo: safeReturnTo(r.URL.Query().Get("return_to")),
		Nonce:    nonce,
		Verifier: verifier,
	})
	http.Redirect(w, r, provider.AuthCodeURL(state, nonce, verifier), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	q := r.URL.Query()

	ls, ok := a.Sessions.takeLoginState(q.Get("state"))
	if !ok || ls.Provider != name {
		a.renderError(w, http.StatusBadRequest, oauth.ErrorCodeInvalidRequest, "login state is missing or expired")
		return
	}
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("login.upstream_error", "provider", name, "error", upstreamErr, "description", q.Get("error_description"))
		a.renderError(w, http.StatusBadRequest, oauth.ErrorCodeAccessDenied, "sign in was not completed")
		return
	}
	provider, ok := a.Providers[name]
	if !ok {
		a.renderError(w, http.StatusNotFound, oauth.ErrorCodeInvalidRequest, "unknown identity provider")
		return
	}

	pu, err := provider.Exchange(r.Context(), q.Get("code"), ls.Nonce, ls.Verifier)
	if err != nil {
		a.Logger.Error("login.exchange_failed", "provider", name, "error", err)
		a.renderError(w, http.StatusBadGateway, oauth.ErrorCodeServerError, "sign in with the identity provider failed")
		return
	}

	user := &oauth.User{
		ID:       buildUserID(name, pu.Subject),
		Username: pu.Username,
		Name:     pu.Name,
		Email:    pu.Email,
	}
	a.Users.Upsert(user)
	if _, err := a.Sessions.Create(w, user.ID, name); err != nil {
		a.Logger.Error("login.session", "error", err)
		a.renderError(w, http.StatusInternalServerError, oauth.ErrorCodeServerError, "could not start a session")
		return
	}
	http.Redirect(w, r, ls.ReturnTo, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Destroy(w, r)
	if rt := r.URL.Query().Get("return_to"); rt != "" {
		http.Redirect(w, r, safeReturnTo(rt), http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerLoginPath(name, returnTo string) string {
	return "/login/" + url.PathEscape(name) + "?" + url.Values{"return_to": {returnTo}}.Encode()
}

// safeReturnTo only admits local absolute paths.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return raw
}
