package server

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TestSecurityFakeJWT sends forged bearer tokens to the userinfo endpoint.
func TestSecurityFakeJWT(t *testing.T) {
	env := newTestEnv(t, nil)

	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	claims := jwt.MapClaims{
		"iss":       "http://oauth2d.test",
		"sub":       "42",
		"aud":       []string{"spa"},
		"client_id": "spa",
		"jti":       "forged",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	foreignTok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	foreignTok.Header["kid"] = env.app.Keys.CurrentKID()
	forged, err := foreignTok.SignedString(foreign)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hmacForged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("guess"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"completely_fake_jwt", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0.fake"},
		{"jwt_none_algorithm", "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhZG1pbiIsImlhdCI6MTUxNjIzOTAyMn0."},
		{"malformed_jwt", "not.a.valid.jwt.token"},
		{"signed_by_foreign_key", forged},
		{"hmac_algorithm", hmacForged},
		{"oversized_token", strings.Repeat("A", 100000)},
		{"sql_injection_in_token", "' OR '1'='1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			env.app.Routes().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
			if !strings.Contains(w.Header().Get("WWW-Authenticate"), "invalid_token") {
				t.Errorf("WWW-Authenticate = %q", w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

// TestSecurityOpenRedirect checks that return_to never leaves the server.
func TestSecurityOpenRedirect(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.signIn(t, "42")

	for _, target := range []string{"https://evil.test/", "//evil.test", "/\\evil.test"} {
		t.Run(target, func(t *testing.T) {
			resp := env.postForm(t, "/logout?"+url.Values{"return_to": {target}}.Encode(), url.Values{}, cookie)
			if loc := resp.Header.Get("Location"); loc != "/" {
				t.Fatalf("Location = %q", loc)
			}
		})
	}
}

// TestSecurityApprovalPageEscaping checks reflected parameters are escaped and not cached.
func TestSecurityApprovalPageEscaping(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.signIn(t, "42")

	params := pkceParams(oauth2.GenerateVerifier())
	params.Set("state", `"><script>alert(1)</script>`)
	resp := env.get(t, "/authorize?"+params.Encode(), cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "<script>alert(1)</script>") {
		t.Fatalf("state reflected without escaping")
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("approval page must not be cached")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("approval page must not be framable")
	}
}

// TestSecurityTokenEndpointMethods rejects GET on the token endpoint and
// query-string credentials.
func TestSecurityTokenEndpointMethods(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/token?grant_type=client_credentials&client_id=svc&client_secret="+testSecret, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/token?grant_type=client_credentials&client_id=svc&client_secret="+testSecret, nil)
	resp = env.do(t, req)
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("query string parameters must not be honoured")
	}
}

// TestSecurityBasicAuthConflicts covers mixed client authentication.
func TestSecurityBasicAuthConflicts(t *testing.T) {
	env := newTestEnv(t, nil)

	post := func(form url.Values, basicID string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(basicID, testSecret)
		return env.do(t, req)
	}

	resp := post(url.Values{"grant_type": {"client_credentials"}, "client_secret": {testSecret}}, "svc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("two auth methods status = %d", resp.StatusCode)
	}

	resp = post(url.Values{"grant_type": {"client_credentials"}, "client_id": {"spa"}}, "svc")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("mismatched client id status = %d", resp.StatusCode)
	}
}
