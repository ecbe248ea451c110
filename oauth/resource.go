package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Identity is what a valid bearer token proves.
type Identity struct {
	Subject string
	// UserID is empty for client_credentials tokens.
	UserID    string
	ClientID  string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted scope.
func (i *Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// ResourceOptions tune the resource authenticator.
type ResourceOptions struct {
	Issuer         string
	Clock          Clock
	TracerProvider trace.TracerProvider
}

// ResourceAuthenticator validates bearer access tokens for protected resources.
type ResourceAuthenticator struct {
	signer Signer
	access AccessTokenStore
	parser *jwt.Parser
	tracer trace.Tracer
	logger *slog.Logger
}

// NewResourceAuthenticator constructs a ResourceAuthenticator.
func NewResourceAuthenticator(signer Signer, access AccessTokenStore, opts ResourceOptions, logger *slog.Logger) *ResourceAuthenticator {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(strings.TrimSuffix(opts.Issuer, "/")),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(opts.Clock.Now),
	)
	return &ResourceAuthenticator{
		signer: signer,
		access: access,
		parser: parser,
		tracer: tracerFrom(opts.TracerProvider),
		logger: logger,
	}
}

// Authenticate verifies the signature and time claims of bearer, then checks
// revocation. A revoked token is rejected even with a valid signature.
func (a *ResourceAuthenticator) Authenticate(ctx context.Context, bearer string) (id *Identity, err error) {
	ctx, span := startSpan(ctx, a.tracer, "oauth.Authenticate")
	defer func() { endSpan(span, err) }()

	if bearer == "" {
		return nil, ErrInvalidToken()
	}

	claims := &AccessTokenClaims{}
	if _, err := a.parser.ParseWithClaims(bearer, claims, a.signer.Keyfunc); err != nil {
		a.logger.Debug("resource.token_rejected", "error", err)
		return nil, ErrInvalidToken()
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken()
	}

	revoked, err := a.access.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("check revocation: %w", err))
	}
	if revoked {
		a.logger.Debug("resource.token_revoked", "jti", claims.ID, "client_id", claims.ClientID)
		return nil, ErrInvalidToken()
	}

	span.SetAttributes(attribute.String(attrClientID, claims.ClientID))
	id = &Identity{
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scopes:    ParseScopes(claims.Scope),
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.GrantType != GrantClientCredentials {
		id.UserID = claims.Subject
	}
	return id, nil
}
