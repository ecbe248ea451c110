package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

const refreshTokenBytes = 32

// AccessTokenClaims is the claim set of a signed access token.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	// GrantType is set only for client_credentials tokens, which carry no user.
	GrantType string `json:"gty,omitempty"`
	jwt.RegisteredClaims
}

// TokenRequest carries the /token form fields.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenRequestFromValues reads a TokenRequest from a form. Client credentials
// are taken from HTTP Basic by the caller when present.
func TokenRequestFromValues(v url.Values) TokenRequest {
	return TokenRequest{
		GrantType:    v.Get("grant_type"),
		ClientID:     v.Get("client_id"),
		ClientSecret: v.Get("client_secret"),
		Code:         v.Get("code"),
		RedirectURI:  v.Get("redirect_uri"),
		CodeVerifier: v.Get("code_verifier"),
		RefreshToken: v.Get("refresh_token"),
		Scope:        v.Get("scope"),
	}
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenOptions tune the token engine.
type TokenOptions struct {
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	RotateRefresh  bool
	Clock          Clock
	TracerProvider trace.TracerProvider
}

// TokenEngine redeems grants for signed tokens.
type TokenEngine struct {
	clients       ClientStore
	scopes        ScopeCatalog
	codes         AuthCodeStore
	access        AccessTokenStore
	refresh       RefreshTokenStore
	signer        Signer
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
	clock         Clock
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewTokenEngine constructs a TokenEngine.
func NewTokenEngine(stores Stores, signer Signer, opts TokenOptions, logger *slog.Logger) *TokenEngine {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &TokenEngine{
		clients:       stores.Clients,
		scopes:        stores.Scopes,
		codes:         stores.Codes,
		access:        stores.AccessTokens,
		refresh:       stores.RefreshTokens,
		signer:        signer,
		issuer:        strings.TrimSuffix(opts.Issuer, "/"),
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		rotateRefresh: opts.RotateRefresh,
		clock:         opts.Clock,
		tracer:        tracerFrom(opts.TracerProvider),
		logger:        logger,
	}
}

// Exchange authenticates the client and dispatches on grant_type.
func (e *TokenEngine) Exchange(ctx context.Context, req TokenRequest) (resp *TokenResponse, err error) {
	ctx, span := startSpan(ctx, e.tracer, "oauth.Exchange",
		attribute.String(attrClientID, req.ClientID),
		attribute.String(attrGrantType, req.GrantType),
	)
	defer func() {
		if err != nil {
			e.logger.Warn("token.error", "client_id", req.ClientID, "grant_type", req.GrantType, "error", err)
		}
		endSpan(span, err)
	}()

	switch req.GrantType {
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
	default:
		return nil, ErrUnsupportedGrantType(req.GrantType)
	}

	client, err := e.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(req.GrantType) {
		return nil, ErrUnauthorizedClient(fmt.Sprintf("client is not allowed the %s grant", req.GrantType))
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		resp, err = e.exchangeAuthorizationCode(ctx, client, req)
	case GrantRefreshToken:
		resp, err = e.exchangeRefreshToken(ctx, client, req)
		if err == nil {
			span.SetAttributes(attribute.Bool(attrTokenRotated, e.rotateRefresh))
		}
	default:
		resp, err = e.exchangeClientCredentials(ctx, client, req)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("token.issued", "client_id", client.ID, "grant_type", req.GrantType, "scope", resp.Scope, "refresh", resp.RefreshToken != "")
	return resp, nil
}

func (e *TokenEngine) authenticateClient(ctx context.Context, req TokenRequest) (*Client, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidClient("")
	}
	client, err := e.clients.GetClient(ctx, req.ClientID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidClient("")
	}
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("get client: %w", err))
	}
	ok, err := e.clients.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, req.GrantType)
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("authenticate client: %w", err))
	}
	if !ok {
		return nil, ErrInvalidClient("")
	}
	return client, nil
}

func (e *TokenEngine) exchangeAuthorizationCode(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if req.CodeVerifier != "" {
		if err := ValidateVerifier(req.CodeVerifier); err != nil {
			return nil, err
		}
	}

	// Taking the code consumes it even when a binding check below fails.
	code, err := e.codes.TakeAuthCode(ctx, req.Code)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidGrant()
	}
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("take auth code: %w", err))
	}
	if Expired(code, e.clock.Now()) {
		return nil, ErrInvalidGrant()
	}
	if code.ClientID != client.ID || code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant()
	}
	if code.CodeChallenge != "" && !Matches(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
		return nil, ErrInvalidGrant()
	}

	// A public client could never authenticate to redeem a refresh token.
	withRefresh := client.Confidential && client.AllowsGrant(GrantRefreshToken)
	return e.issue(ctx, client, code.UserID, code.Scopes, withRefresh)
}

func (e *TokenEngine) exchangeRefreshToken(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	current, err := e.refresh.GetRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidGrant()
	}
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("get refresh token: %w", err))
	}
	now := e.clock.Now()
	if current.Revoked || Expired(current, now) || current.ClientID != client.ID {
		return nil, ErrInvalidGrant()
	}

	scopes := current.Scopes
	if requested := ParseScopes(req.Scope); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(current.Scopes, s) {
				return nil, ErrInvalidScope(fmt.Sprintf("scope %q exceeds the original grant", s))
			}
		}
		scopes = requested
	}

	token, meta, err := e.mintAccessToken(client, current.UserID, scopes, now)
	if err != nil {
		return nil, err
	}

	// Rotation goes last: once it commits, the old refresh token is gone and
	// the response must be deliverable.
	if err := e.access.SaveAccessToken(ctx, meta); err != nil {
		return nil, ErrServerError(fmt.Errorf("save access token: %w", err))
	}

	refreshID := current.ID
	if e.rotateRefresh {
		next, err := e.newRefreshToken(client, current.UserID, current.Scopes, meta.ID, current.ID, now)
		if err != nil {
			return nil, err
		}
		err = e.refresh.RotateRefreshToken(ctx, current.ID, next)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidGrant()
		}
		if err != nil {
			return nil, ErrServerError(fmt.Errorf("rotate refresh token: %w", err))
		}
		refreshID = next.ID
	}
	return e.response(token, scopes, refreshID), nil
}

func (e *TokenEngine) exchangeClientCredentials(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if !client.Confidential {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}

	requested := ParseScopes(req.Scope)
	var ids []string
	if len(requested) == 0 {
		ids = client.Scopes
	} else {
		for _, id := range requested {
			if _, err := e.scopes.ResolveScope(ctx, id); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, ErrInvalidScope(fmt.Sprintf("unknown scope %q", id))
				}
				return nil, ErrServerError(fmt.Errorf("resolve scope %q: %w", id, err))
			}
			if client.AllowsScope(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, ErrInvalidScope("none of the requested scopes are allowed for this client")
		}
	}

	resolved, err := resolveScopes(ctx, e.scopes, client, ids)
	if err != nil {
		return nil, err
	}
	scopes, err := finalizeScopes(ctx, e.scopes, resolved, GrantClientCredentials, client, "", "")
	if err != nil {
		return nil, err
	}
	return e.issue(ctx, client, "", ScopeIDs(scopes), false)
}

// issue mints and persists an access token, plus a refresh token when asked.
func (e *TokenEngine) issue(ctx context.Context, client *Client, userID string, scopes []string, withRefresh bool) (*TokenResponse, error) {
	now := e.clock.Now()
	token, meta, err := e.mintAccessToken(client, userID, scopes, now)
	if err != nil {
		return nil, err
	}
	if err := e.access.SaveAccessToken(ctx, meta); err != nil {
		return nil, ErrServerError(fmt.Errorf("save access token: %w", err))
	}

	refreshID := ""
	if withRefresh {
		rt, err := e.newRefreshToken(client, userID, scopes, meta.ID, "", now)
		if err != nil {
			return nil, err
		}
		if err := e.refresh.SaveRefreshToken(ctx, rt); err != nil {
			return nil, ErrServerError(fmt.Errorf("save refresh token: %w", err))
		}
		refreshID = rt.ID
	}
	return e.response(token, scopes, refreshID), nil
}

func (e *TokenEngine) mintAccessToken(client *Client, userID string, scopes []string, now time.Time) (string, *AccessToken, error) {
	// JWT numeric dates carry whole seconds; keep the stored expiry identical.
	now = now.Truncate(time.Second)
	exp := now.Add(e.accessTTL)

	claims := AccessTokenClaims{
		Scope:    JoinScopes(scopes),
		ClientID: client.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{client.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if userID == "" {
		claims.Subject = client.ID
		claims.GrantType = GrantClientCredentials
	}

	signed, err := e.signer.Sign(claims)
	if err != nil {
		return "", nil, ErrServerError(fmt.Errorf("sign access token: %w", err))
	}
	meta := &AccessToken{
		ID:        claims.ID,
		ClientID:  client.ID,
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: exp,
	}
	return signed, meta, nil
}

func (e *TokenEngine) newRefreshToken(client *Client, userID string, scopes []string, accessID, parentID string, now time.Time) (*RefreshToken, error) {
	id, err := RandomToken(refreshTokenBytes)
	if err != nil {
		return nil, ErrServerError(err)
	}
	return &RefreshToken{
		ID:            id,
		AccessTokenID: accessID,
		ClientID:      client.ID,
		UserID:        userID,
		Scopes:        scopes,
		ParentID:      parentID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(e.refreshTTL),
	}, nil
}

func (e *TokenEngine) response(token string, scopes []string, refreshID string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(e.accessTTL / time.Second),
		RefreshToken: refreshID,
		Scope:        JoinScopes(scopes),
	}
}
