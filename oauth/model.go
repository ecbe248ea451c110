package oauth

import (
	"slices"
	"strings"
	"time"
)

// Grant types handled by the token engine.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"

	ResponseTypeCode = "code"
	TokenTypeBearer  = "Bearer"
)

// Client is a registered OAuth client. The core never mutates it.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	Confidential bool
	// SecretHash is a bcrypt hash; empty for public clients.
	SecretHash  string
	GrantTypes  []string
	Scopes      []string
	SkipConsent bool
}

// ValidRedirect reports whether uri is an exact member of the registered set.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client may use grantType.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsScope reports whether the client may be granted scope. An empty
// allowance admits every catalog scope.
func (c *Client) AllowsScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	return slices.Contains(c.Scopes, scope)
}

// Scope is a named permission from the closed catalog.
type Scope struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
}

// User is the resource owner as known to the host identity system.
type User struct {
	ID         string
	Username   string
	Name       string
	Email      string
	ProfileURL string
}

// Token is the capability shared by codes and tokens.
type Token interface {
	Identifier() string
	Expiry() time.Time
	ScopeList() []string
}

// Expired reports whether t is no longer usable at now. Tokens are valid
// strictly before their expiry instant.
func Expired(t Token, now time.Time) bool {
	return !now.Before(t.Expiry())
}

// AuthorizationCode is a single-use grant bound to a client, redirect URI and PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

func (c *AuthorizationCode) Identifier() string  { return c.Code }
func (c *AuthorizationCode) Expiry() time.Time   { return c.ExpiresAt }
func (c *AuthorizationCode) ScopeList() []string { return c.Scopes }

// AccessToken is the persisted metadata of a signed access token, keyed by jti.
type AccessToken struct {
	ID        string
	ClientID  string
	UserID    string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

func (t *AccessToken) Identifier() string  { return t.ID }
func (t *AccessToken) Expiry() time.Time   { return t.ExpiresAt }
func (t *AccessToken) ScopeList() []string { return t.Scopes }

// RefreshToken is an opaque long-lived grant linked to the access token minted with it.
type RefreshToken struct {
	ID            string
	AccessTokenID string
	ClientID      string
	UserID        string
	Scopes        []string
	ParentID      string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
}

func (t *RefreshToken) Identifier() string  { return t.ID }
func (t *RefreshToken) Expiry() time.Time   { return t.ExpiresAt }
func (t *RefreshToken) ScopeList() []string { return t.Scopes }

// isSafeRedirectURI rejects schemes and shapes usable for open redirects.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := strings.ToLower(uri[:idx])
	if scheme == "javascript" || scheme == "data" || scheme == "file" || scheme == "vbscript" {
		return false
	}
	rest := uri[idx+3:]
	host := rest
	if slash := strings.Index(rest, "/"); slash != -1 {
		host = rest[:slash]
	}
	// userinfo and fragments in the authority are never legitimate callbacks
	return !strings.ContainsAny(host, "@#")
}
