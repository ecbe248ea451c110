package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNotFound is returned by stores for records that are absent, expired or already consumed.
var ErrNotFound = errors.New("oauth: not found")

// Error codes defined by RFC 6749 and OpenID Connect.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeServerError             = "server_error"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeConsentRequired         = "consent_required"
)

// Descriptions shared by failures that must not reveal which check failed.
const (
	invalidGrantDescription  = "authorization grant is invalid"
	invalidTokenDescription  = "access token is invalid"
	invalidClientDescription = "client authentication failed"
	serverErrorDescription   = "the server encountered an unexpected error"
)

// Error is an OAuth protocol error. Redirect reports whether it may be delivered
// to RedirectURI; otherwise it is rendered directly to the user agent.
type Error struct {
	Code        string
	Description string
	Status      int

	Redirect    bool
	RedirectURI string
	State       string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithRedirect returns a copy of e addressed to a validated redirect URI.
func (e *Error) WithRedirect(redirectURI, state string) *Error {
	out := *e
	out.Redirect = true
	out.RedirectURI = redirectURI
	out.State = state
	return &out
}

// RedirectURL builds the client callback URL carrying the error.
func (e *Error) RedirectURL() (string, error) {
	if !e.Redirect || e.RedirectURI == "" {
		return "", fmt.Errorf("error %s has no redirect target", e.Code)
	}
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

func newError(code string, status int, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: status}
}

// ErrInvalidRequest reports a malformed or incomplete request.
func ErrInvalidRequest(desc string) *Error {
	return newError(ErrorCodeInvalidRequest, http.StatusBadRequest, desc)
}

// ErrInvalidClient reports an unknown or unauthenticated client.
func ErrInvalidClient(desc string) *Error {
	if desc == "" {
		desc = invalidClientDescription
	}
	return newError(ErrorCodeInvalidClient, http.StatusUnauthorized, desc)
}

// ErrInvalidGrant reports a bad, expired or reused grant. The description is
// always the generic one.
func ErrInvalidGrant() *Error {
	return newError(ErrorCodeInvalidGrant, http.StatusBadRequest, invalidGrantDescription)
}

// ErrInvalidScope reports a scope outside the catalog or the client's allowance.
func ErrInvalidScope(desc string) *Error {
	return newError(ErrorCodeInvalidScope, http.StatusBadRequest, desc)
}

// ErrUnauthorizedClient reports a client not allowed to use a grant.
func ErrUnauthorizedClient(desc string) *Error {
	return newError(ErrorCodeUnauthorizedClient, http.StatusBadRequest, desc)
}

// ErrUnsupportedResponseType reports a response_type other than "code".
func ErrUnsupportedResponseType() *Error {
	return newError(ErrorCodeUnsupportedResponseType, http.StatusBadRequest, "only response_type=code is supported")
}

// ErrUnsupportedGrantType reports an unknown grant_type.
func ErrUnsupportedGrantType(grantType string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, http.StatusBadRequest, fmt.Sprintf("grant_type %q is not supported", grantType))
}

// ErrAccessDenied reports that the resource owner declined the request.
func ErrAccessDenied() *Error {
	return newError(ErrorCodeAccessDenied, http.StatusBadRequest, "the resource owner denied the request")
}

// ErrInvalidToken reports a bearer token that failed validation.
func ErrInvalidToken() *Error {
	return newError(ErrorCodeInvalidToken, http.StatusUnauthorized, invalidTokenDescription)
}

// ErrLoginRequired answers prompt=none when nobody is signed in.
func ErrLoginRequired() *Error {
	return newError(ErrorCodeLoginRequired, http.StatusBadRequest, "end-user authentication is required")
}

// ErrConsentRequired answers prompt=none when approval would be shown.
func ErrConsentRequired() *Error {
	return newError(ErrorCodeConsentRequired, http.StatusBadRequest, "end-user consent is required")
}

// ErrServerError wraps an internal fault. The cause is kept for logging only.
func ErrServerError(cause error) *Error {
	e := newError(ErrorCodeServerError, http.StatusInternalServerError, serverErrorDescription)
	e.cause = cause
	return e
}

// AsError converts any error into a protocol error, mapping unknown faults to server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError(err)
}

func appendQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse redirect uri: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
