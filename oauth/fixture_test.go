package oauth_test

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	"oauth2d/keys"
	"oauth2d/oauth"
	"oauth2d/storage/memory"
)

const (
	testIssuer   = "https://auth.example.com"
	spaRedirect  = "https://app.example.com/cb"
	webRedirect  = "https://web.example.com/cb?tenant=7"
	webSecret    = "s3cret"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	// S256 of testVerifier.
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

var (
	sharedKeysOnce sync.Once
	sharedKeys     *keys.Manager
)

func signingKeys(t *testing.T) *keys.Manager {
	t.Helper()
	sharedKeysOnce.Do(func() {
		km, err := keys.NewManager(keys.Config{}, testLogger())
		if err != nil {
			panic(err)
		}
		sharedKeys = km
	})
	return sharedKeys
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock  *fakeClock
	store  *memory.Store
	keys   *keys.Manager
	authz  *oauth.AuthorizeEngine
	tokens *oauth.TokenEngine
	rs     *oauth.ResourceAuthenticator
	spans  *tracetest.SpanRecorder
}

type fixtureOptions struct {
	authorize oauth.AuthorizeOptions
	token     oauth.TokenOptions
	// wrapAccess decorates the access token store seen by the token engine.
	wrapAccess func(oauth.AccessTokenStore) oauth.AccessTokenStore
}

func newFixture(t *testing.T, mutate ...func(*fixtureOptions)) *fixture {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(webSecret), bcrypt.MinCost)
	require.NoError(t, err)
	clients, err := memory.NewClientRegistry([]*oauth.Client{
		{
			ID:           "spa",
			Name:         "Single Page App",
			RedirectURIs: []string{spaRedirect},
			GrantTypes:   []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
		},
		{
			ID:           "web",
			Name:         "Web App",
			RedirectURIs: []string{webRedirect},
			Confidential: true,
			SecretHash:   string(hash),
			GrantTypes:   []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken, oauth.GrantClientCredentials},
			Scopes:       []string{"read", "write"},
		},
		{
			ID:           "svc",
			Confidential: true,
			SecretHash:   string(hash),
			GrantTypes:   []string{oauth.GrantClientCredentials},
			Scopes:       []string{"read"},
		},
		{
			ID:         "pub-cc",
			GrantTypes: []string{oauth.GrantClientCredentials},
		},
		{
			ID:           "partner",
			RedirectURIs: []string{webRedirect},
			Confidential: true,
			SecretHash:   string(hash),
			GrantTypes:   []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
		},
		{
			ID:           "no-refresh",
			RedirectURIs: []string{spaRedirect},
			GrantTypes:   []string{oauth.GrantAuthorizationCode},
		},
	})
	require.NoError(t, err)
	catalog, err := memory.NewScopeCatalog(nil, nil)
	require.NoError(t, err)

	clock := newFakeClock()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	opts := fixtureOptions{
		authorize: oauth.AuthorizeOptions{Clock: clock, TracerProvider: tp},
		token:     oauth.TokenOptions{Issuer: testIssuer, RotateRefresh: true, Clock: clock, TracerProvider: tp},
	}
	for _, m := range mutate {
		m(&opts)
	}

	store := memory.NewStore(clock)
	stores := oauth.NewStores(clients, catalog, store)
	tokenStores := stores
	if opts.wrapAccess != nil {
		tokenStores.AccessTokens = opts.wrapAccess(store)
	}
	km := signingKeys(t)
	logger := testLogger()

	return &fixture{
		clock:  clock,
		store:  store,
		keys:   km,
		authz:  oauth.NewAuthorizeEngine(stores, opts.authorize, logger),
		tokens: oauth.NewTokenEngine(tokenStores, km, opts.token, logger),
		rs: oauth.NewResourceAuthenticator(km, store, oauth.ResourceOptions{
			Issuer:         testIssuer,
			Clock:          clock,
			TracerProvider: tp,
		}, logger),
		spans: spans,
	}
}

func spaParams() oauth.AuthorizeParams {
	return oauth.AuthorizeParams{
		ResponseType:        "code",
		ClientID:            "spa",
		RedirectURI:         spaRedirect,
		Scope:               "read profile",
		State:               "xyz",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: oauth.PKCEMethodS256,
	}
}

// webParams is a PKCE request from the confidential web client, the kind of
// client that receives refresh tokens.
func webParams() oauth.AuthorizeParams {
	return oauth.AuthorizeParams{
		ResponseType:        "code",
		ClientID:            "web",
		RedirectURI:         webRedirect,
		Scope:               "read write",
		State:               "xyz",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: oauth.PKCEMethodS256,
	}
}

// issueCode runs Authorize and an approving Complete, returning the code.
func (f *fixture) issueCode(t *testing.T, p oauth.AuthorizeParams, userID string) string {
	t.Helper()
	req, err := f.authz.Authorize(context.Background(), p)
	require.NoError(t, err)
	redirect, err := f.authz.Complete(context.Background(), req, oauth.Decision{Approved: true, UserID: userID})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *fixture) redeem(code string) (*oauth.TokenResponse, error) {
	return f.tokens.Exchange(context.Background(), oauth.TokenRequest{
		GrantType:    oauth.GrantAuthorizationCode,
		ClientID:     "spa",
		Code:         code,
		RedirectURI:  spaRedirect,
		CodeVerifier: testVerifier,
	})
}

func (f *fixture) redeemWeb(code string) (*oauth.TokenResponse, error) {
	return f.tokens.Exchange(context.Background(), oauth.TokenRequest{
		GrantType:    oauth.GrantAuthorizationCode,
		ClientID:     "web",
		ClientSecret: webSecret,
		Code:         code,
		RedirectURI:  webRedirect,
		CodeVerifier: testVerifier,
	})
}

// webTokens runs the code flow for the web client and returns its tokens.
func (f *fixture) webTokens(t *testing.T, userID string) *oauth.TokenResponse {
	t.Helper()
	resp, err := f.redeemWeb(f.issueCode(t, webParams(), userID))
	require.NoError(t, err)
	require.Len(t, resp.RefreshToken, 43)
	return resp
}

func requireOAuthError(t *testing.T, err error, code string) *oauth.Error {
	t.Helper()
	require.Error(t, err)
	oe := oauth.AsError(err)
	require.Equal(t, code, oe.Code, "error: %v", err)
	return oe
}
