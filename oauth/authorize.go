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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCodeTTL bounds the lifetime of an authorization code.
const DefaultCodeTTL = 10 * time.Minute

// authCodeBytes gives 256 bits of entropy per code.
const authCodeBytes = 32

// Prompt values understood at /authorize.
const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// AuthorizeParams are the raw /authorize parameters.
type AuthorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
}

// ParamsFromValues reads AuthorizeParams from a query or form.
func ParamsFromValues(v url.Values) AuthorizeParams {
	return AuthorizeParams{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Prompt:              v.Get("prompt"),
	}
}

// Values encodes the parameters back into a query, for login round-trips.
func (p AuthorizeParams) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("response_type", p.ResponseType)
	set("client_id", p.ClientID)
	set("redirect_uri", p.RedirectURI)
	set("scope", p.Scope)
	set("state", p.State)
	set("code_challenge", p.CodeChallenge)
	set("code_challenge_method", p.CodeChallengeMethod)
	set("prompt", p.Prompt)
	return v
}

// AuthorizationRequest is a validated request awaiting the resource owner's decision.
// It lives only for the duration of one HTTP request.
type AuthorizationRequest struct {
	Client              *Client
	RedirectURI         string
	Scopes              []Scope
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompts             []string
}

// HasPrompt reports whether the request carried the given prompt value.
func (r *AuthorizationRequest) HasPrompt(p string) bool {
	return slices.Contains(r.Prompts, p)
}

// Decision is the host's answer for a pending request.
type Decision struct {
	Approved bool
	UserID   string
}

// AuthorizeOptions tune the authorization engine.
type AuthorizeOptions struct {
	CodeTTL        time.Duration
	AllowPlainPKCE bool
	// RequirePKCE extends the PKCE requirement to confidential clients.
	RequirePKCE    bool
	Clock          Clock
	TracerProvider trace.TracerProvider
}

// AuthorizeEngine validates authorization requests and issues codes.
type AuthorizeEngine struct {
	clients     ClientStore
	scopes      ScopeCatalog
	codes       AuthCodeStore
	codeTTL     time.Duration
	allowPlain  bool
	requirePKCE bool
	clock       Clock
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewAuthorizeEngine constructs an AuthorizeEngine.
func NewAuthorizeEngine(stores Stores, opts AuthorizeOptions, logger *slog.Logger) *AuthorizeEngine {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &AuthorizeEngine{
		clients:     stores.Clients,
		scopes:      stores.Scopes,
		codes:       stores.Codes,
		codeTTL:     opts.CodeTTL,
		allowPlain:  opts.AllowPlainPKCE,
		requirePKCE: opts.RequirePKCE,
		clock:       opts.Clock,
		tracer:      tracerFrom(opts.TracerProvider),
		logger:      logger,
	}
}

// Authorize validates p. Errors raised before the redirect URI is trusted are
// returned without a redirect target.
func (e *AuthorizeEngine) Authorize(ctx context.Context, p AuthorizeParams) (req *AuthorizationRequest, err error) {
	ctx, span := startSpan(ctx, e.tracer, "oauth.Authorize",
		attribute.String(attrClientID, p.ClientID),
		attribute.String(attrResponseType, p.ResponseType),
	)
	defer func() {
		if oe := AsError(err); oe != nil && oe.Code == ErrorCodeServerError {
			e.logger.Error("authorize.failed", "client_id", p.ClientID, "error", err)
		}
		endSpan(span, err)
	}()

	if p.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := e.clients.GetClient(ctx, p.ClientID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidClient("unknown client")
	}
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("get client: %w", err))
	}

	if p.RedirectURI == "" || !client.ValidRedirect(p.RedirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is missing or not registered")
	}
	redirect := func(oe *Error) (*AuthorizationRequest, error) {
		return nil, oe.WithRedirect(p.RedirectURI, p.State)
	}

	if p.ResponseType != ResponseTypeCode {
		return redirect(ErrUnsupportedResponseType())
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return redirect(ErrUnauthorizedClient("client is not allowed the authorization_code grant"))
	}

	requested, err := resolveScopes(ctx, e.scopes, client, ParseScopes(p.Scope))
	if err != nil {
		return redirect(AsError(err))
	}
	scopes, err := finalizeScopes(ctx, e.scopes, requested, GrantAuthorizationCode, client, "", "")
	if err != nil {
		return redirect(AsError(err))
	}

	method := ""
	if p.CodeChallenge == "" {
		if p.CodeChallengeMethod != "" {
			return redirect(ErrInvalidRequest("code_challenge is required with code_challenge_method"))
		}
		if !client.Confidential || e.requirePKCE {
			return redirect(ErrInvalidRequest("code_challenge is required"))
		}
	} else {
		method, err = ValidateChallenge(p.CodeChallenge, p.CodeChallengeMethod, e.allowPlain)
		if err != nil {
			return redirect(AsError(err))
		}
		span.SetAttributes(attribute.String(attrPKCEMethod, method))
	}

	span.SetAttributes(attribute.String(attrScope, JoinScopes(ScopeIDs(scopes))))
	return &AuthorizationRequest{
		Client:              client,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: method,
		Prompts:             strings.Fields(p.Prompt),
	}, nil
}

// Complete applies the resource owner's decision and returns the client
// callback URL. Internal faults come back as server_error addressed to the
// request's redirect URI.
func (e *AuthorizeEngine) Complete(ctx context.Context, req *AuthorizationRequest, d Decision) (redirectURL string, err error) {
	ctx, span := startSpan(ctx, e.tracer, "oauth.Complete",
		attribute.String(attrClientID, req.Client.ID),
		attribute.Bool(attrApproved, d.Approved),
	)
	defer func() { endSpan(span, err) }()

	fail := func(cause error) (string, error) {
		e.logger.Error("authorize.complete_failed", "client_id", req.Client.ID, "error", cause)
		return "", ErrServerError(cause).WithRedirect(req.RedirectURI, req.State)
	}

	if !d.Approved {
		e.logger.Info("authorize.denied", "client_id", req.Client.ID, "user_id", d.UserID)
		return ErrAccessDenied().WithRedirect(req.RedirectURI, req.State).RedirectURL()
	}
	if d.UserID == "" {
		return fail(errors.New("approval without an authenticated user"))
	}

	value, err := RandomToken(authCodeBytes)
	if err != nil {
		return fail(err)
	}
	scopes, err := finalizeScopes(ctx, e.scopes, req.Scopes, GrantAuthorizationCode, req.Client, d.UserID, value)
	if err != nil {
		return "", AsError(err).WithRedirect(req.RedirectURI, req.State)
	}

	now := e.clock.Now()
	code := &AuthorizationCode{
		Code:                value,
		ClientID:            req.Client.ID,
		UserID:              d.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              ScopeIDs(scopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.codeTTL),
	}
	if err := e.codes.SaveAuthCode(ctx, code); err != nil {
		return fail(fmt.Errorf("save auth code: %w", err))
	}

	params := url.Values{}
	params.Set("code", value)
	if req.State != "" {
		params.Set("state", req.State)
	}
	redirectURL, err = appendQuery(req.RedirectURI, params)
	if err != nil {
		return fail(err)
	}

	e.logger.Info("authorize.code_issued", "client_id", req.Client.ID, "user_id", d.UserID, "scope", JoinScopes(code.Scopes))
	return redirectURL, nil
}
