package domain

import (
	"errors"
	"fmt"
)

var (
	ErrGrantExpired    = errors.New("grant expired")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
	ErrCodeExpired     = errors.New("authorization code expired")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrLimitExceeded   = errors.New("message limit exceeded for this channel")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidToken    = errors.New("invalid or expired access token")
	ErrServer          = errors.New("server error")
)

// OAuth2 token endpoint error codes (RFC 6749 section 5.2).
const (
	OAuthInvalidRequest       = "invalid_request"
	OAuthInvalidClient        = "invalid_client"
	OAuthInvalidGrant         = "invalid_grant"
	OAuthInvalidScope         = "invalid_scope"
	OAuthUnauthorizedClient   = "unauthorized_client"
	OAuthUnsupportedGrantType = "unsupported_grant_type"
	OAuthAccessDenied         = "access_denied"
)

// OAuthError is returned by the token and authorization endpoints. It
// unwraps to ErrInvalidGrant for grant problems and ErrInvalidRequest
// otherwise.
type OAuthError struct {
	Code        string
	Description string
	Err         error
}

func NewOAuthError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *OAuthError) Unwrap() []error {
	kind := ErrInvalidRequest
	if e.Code == OAuthInvalidGrant {
		kind = ErrInvalidGrant
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// Status is the HTTP status the error maps to at the token endpoint.
func (e *OAuthError) Status() int {
	if e.Code == OAuthInvalidClient {
		return 401
	}
	return 400
}

// AuthError is the single failure type for Basic-Auth bus access. Detail is
// only revealed to callers in debug mode.
type AuthError struct {
	Detail string
}

func NewAuthError(format string, args ...any) *AuthError {
	return &AuthError{Detail: fmt.Sprintf(format, args...)}
}

func (e *AuthError) Error() string {
	return "access denied: " + e.Detail
}

const accessDenied = "Access denied."

// PublicMessage is the text returned to the caller.
func (e *AuthError) PublicMessage(debug bool) string {
	if debug && e.Detail != "" {
		return accessDenied + " " + e.Detail
	}
	return accessDenied
}

// RedactedMessage returns the generic phrase unless debug is set.
func RedactedMessage(err error, debug bool) string {
	if debug && err != nil {
		return err.Error()
	}
	return "Error processing request."
}
