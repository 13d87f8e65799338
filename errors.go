package idp

import "github.com/veridianlabs/idp/server"

// OAuth error codes, re-exported for callers that only import the root
// package.
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeInvalidRedirectURI   = server.ErrorCodeInvalidRedirectURI
	ErrorCodeAuthorizationPending = server.ErrorCodeAuthorizationPending
	ErrorCodeExpiredToken         = server.ErrorCodeExpiredToken
	ErrorCodeRateLimitExceeded    = server.ErrorCodeRateLimitExceeded
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError = server.OAuthError

// NewOAuthError creates a new OAuth error
var NewOAuthError = server.NewOAuthError

// Common OAuth errors as reusable constructors
var (
	ErrInvalidRequest       = server.ErrInvalidRequest
	ErrInvalidGrant         = server.ErrInvalidGrant
	ErrInvalidClient        = server.ErrInvalidClient
	ErrInvalidScope         = server.ErrInvalidScope
	ErrInvalidToken         = server.ErrInvalidToken
	ErrUnauthorizedClient   = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType
	ErrServerError          = server.ErrServerError
	ErrAccessDenied         = server.ErrAccessDenied
	ErrInvalidRedirectURI   = server.ErrInvalidRedirectURI
)
