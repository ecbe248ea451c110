package oauth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// ClientStore looks up and authenticates registered clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*Client, error)
	// AuthenticateClient verifies the secret of a confidential client. Public
	// clients are never checked against a secret; they authenticate implicitly
	// for authorization_code only and fail for every other grant.
	AuthenticateClient(ctx context.Context, id, secret, grantType string) (bool, error)
}

// ScopeCatalog resolves scope identifiers against the closed catalog.
type ScopeCatalog interface {
	ResolveScope(ctx context.Context, id string) (*Scope, error)
	// FinalizeScopes produces the granted set. userID and codeID are empty
	// when not applicable.
	FinalizeScopes(ctx context.Context, requested []Scope, grantType string, client *Client, userID, codeID string) ([]Scope, error)
}

// AuthCodeStore persists authorization codes.
type AuthCodeStore interface {
	SaveAuthCode(ctx context.Context, code *AuthorizationCode) error
	// TakeAuthCode atomically fetches and invalidates a code. Absent, expired
	// or already taken codes return ErrNotFound.
	TakeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)
	RevokeAuthCode(ctx context.Context, code string) error
}

// AccessTokenStore persists access token metadata for revocation checks.
type AccessTokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	// IsAccessTokenRevoked reports true for revoked, expired and unknown ids.
	IsAccessTokenRevoked(ctx context.Context, id string) (bool, error)
	RevokeAccessToken(ctx context.Context, id string) error
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	// GetRefreshToken returns only usable tokens; anything else is ErrNotFound.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	// RotateRefreshToken revokes oldID and saves next as one atomic step. It
	// returns ErrNotFound if oldID is no longer usable.
	RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken) error
}

// TokenStore is the persistence a storage backend provides to the engines.
type TokenStore interface {
	AuthCodeStore
	AccessTokenStore
	RefreshTokenStore
}

// Signer signs access tokens and resolves verification keys.
type Signer interface {
	Sign(claims jwt.Claims) (string, error)
	Keyfunc(token *jwt.Token) (any, error)
}

// Stores groups the collaborators the engines consume.
type Stores struct {
	Clients       ClientStore
	Scopes        ScopeCatalog
	Codes         AuthCodeStore
	AccessTokens  AccessTokenStore
	RefreshTokens RefreshTokenStore
}

// NewStores wires a single backend that implements every token store.
func NewStores(clients ClientStore, scopes ScopeCatalog, tokens TokenStore) Stores {
	return Stores{
		Clients:       clients,
		Scopes:        scopes,
		Codes:         tokens,
		AccessTokens:  tokens,
		RefreshTokens: tokens,
	}
}
