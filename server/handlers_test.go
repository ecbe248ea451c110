package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

type fakeUpstream struct {
	user      ProviderUser
	gotNonce  string
	gotCode   string
	gotVerify string
	err       error
}

func (f *fakeUpstream) AuthCodeURL(state, nonce, verifier string) string {
	return "https://idp.test/authorize?" + url.Values{
		"state":    {state},
		"nonce":    {nonce},
		"verifier": {verifier},
	}.Encode()
}

func (f *fakeUpstream) Exchange(_ context.Context, code, expectedNonce, verifier string) (ProviderUser, error) {
	f.gotCode, f.gotNonce, f.gotVerify = code, expectedNonce, verifier
	if f.err != nil {
		return ProviderUser{}, f.err
	}
	return f.user, nil
}

func cookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLocalLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/login?return_to=%2Fauthorize%3Fclient_id%3Dspa", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login page status = %d", resp.StatusCode)
	}
	csrf := cookieNamed(resp, loginCSRFCookie)
	if csrf == nil || csrf.Value == "" {
		t.Fatalf("login page did not set a CSRF cookie")
	}

	form := url.Values{
		"username":   {"alice"},
		"password":   {"anything"},
		"return_to":  {"/authorize?client_id=spa"},
		"csrf_token": {csrf.Value},
	}
	resp = env.postForm(t, "/login", form, csrf)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/authorize?client_id=spa" {
		t.Fatalf("Location = %q", loc)
	}
	if cookieNamed(resp, sessionCookieName) == nil {
		t.Fatalf("session cookie not set")
	}
}

func TestLocalLoginFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.get(t, "/login", nil)
	csrf := cookieNamed(resp, loginCSRFCookie)

	resp = env.postForm(t, "/login", url.Values{
		"username":   {"alice"},
		"password":   {"x"},
		"csrf_token": {"forged"},
	}, csrf)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forged CSRF status = %d", resp.StatusCode)
	}

	resp = env.postForm(t, "/login", url.Values{
		"username":   {"mallory"},
		"password":   {"x"},
		"csrf_token": {csrf.Value},
	}, csrf)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d", resp.StatusCode)
	}
	if cookieNamed(resp, sessionCookieName) != nil {
		t.Fatalf("failed login must not create a session")
	}
}

func TestUpstreamLogin(t *testing.T) {
	upstream := &fakeUpstream{user: ProviderUser{Subject: "abc", Email: "u@example.com", Name: "Upstream User"}}
	env := newTestEnv(t, nil, WithUpstream("corp", upstream))

	resp := env.get(t, "/login/corp?return_to=%2Fdone", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("provider login status = %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Host != "idp.test" {
		t.Fatalf("expected redirect to the upstream, got %s", loc)
	}
	state := loc.Query().Get("state")

	resp = env.get(t, "/callback/corp?"+url.Values{"state": {state}, "code": {"up-code"}}.Encode(), nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/done" {
		t.Fatalf("Location = %q", got)
	}
	if upstream.gotCode != "up-code" || upstream.gotNonce != loc.Query().Get("nonce") || upstream.gotVerify != loc.Query().Get("verifier") {
		t.Fatalf("exchange did not receive the round trip values")
	}

	sess := cookieNamed(resp, sessionCookieName)
	if sess == nil {
		t.Fatalf("session cookie not set")
	}
	user, err := env.app.Users.LookupUser(context.Background(), "corp:abc")
	if err != nil || user.Email != "u@example.com" {
		t.Fatalf("upstream user not recorded: %+v, %v", user, err)
	}

	// The state is single use.
	resp = env.get(t, "/callback/corp?"+url.Values{"state": {state}, "code": {"up-code"}}.Encode(), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed state status = %d", resp.StatusCode)
	}
}

func TestUpstreamLoginExchangeFailure(t *testing.T) {
	upstream := &fakeUpstream{err: errors.New("nonce mismatch")}
	env := newTestEnv(t, nil, WithUpstream("corp", upstream))

	resp := env.get(t, "/login/corp", nil)
	loc, _ := url.Parse(resp.Header.Get("Location"))

	resp = env.get(t, "/callback/corp?"+url.Values{"state": {loc.Query().Get("state")}, "code": {"c"}}.Encode(), nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cookieNamed(resp, sessionCookieName) != nil {
		t.Fatalf("failed exchange must not create a session")
	}
}

func TestLoginRedirectsToDefaultProvider(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Identity.Users = nil
		cfg.Identity.DefaultProvider = "corp"
	}, WithUpstream("corp", &fakeUpstream{}))

	resp := env.get(t, "/login?return_to=%2Fx", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/login/corp?") {
		t.Fatalf("Location = %q", loc)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.signIn(t, "42")

	resp := env.postForm(t, "/logout", url.Values{}, cookie)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	params := pkceParams("verifier-verifier-verifier-verifier-verifier-00")
	resp = env.get(t, "/authorize?"+params.Encode(), cookie)
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/login?") {
		t.Fatalf("destroyed session still authorizes, Location = %q", loc)
	}
}
