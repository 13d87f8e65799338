package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/veridianlabs/idp/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// DangerousSchemes lists URI schemes that must never be allowed for security
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateRedirectURI validates that a redirect URI is registered and secure
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.Config.Issuer)
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security BCP: no fragments, no dangerous schemes, HTTPS
// outside loopback when the server itself runs on HTTPS.
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed for security reasons", scheme)
		}
	}

	if scheme == "http" {
		hostname := strings.ToLower(parsed.Hostname())
		if !isLocalhostHostname(hostname) {
			if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == "https" {
				return fmt.Errorf("redirect_uri must use HTTPS in production (got http://)")
			}
		}
	}

	return nil
}

// validateScopes validates that requested scopes are allowed
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	if scope == "" {
		return nil // Empty scope is allowed
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if reqScope == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// validateClientScopes validates that requested scopes are a subset of the
// scopes the client is registered for. Empty client scope list allows all.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}
	if requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		found := false
		for _, allowed := range clientScopes {
			if reqScope == allowed {
				found = true
				break
			}
		}
		if !found {
			// SECURITY: don't reveal which scopes are unauthorized to prevent enumeration
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636.
// Only the S256 method is supported.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE bound to this code
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is supported)", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateAuthorizationParams checks the authorization request before any
// state is written. Errors here are returned to the caller directly, never
// redirected to an unvalidated redirect URI.
func (s *Server) validateAuthorizationParams(client *storage.Client, params *storage.AuthorizationParams) *OAuthError {
	if params.ResponseType != "code" {
		return ErrInvalidRequest("unsupported response_type: only code is supported")
	}

	if err := s.validateRedirectURI(client, params.RedirectURI); err != nil {
		return ErrInvalidRedirectURI(err.Error())
	}

	if s.Config.RequirePKCE {
		if params.CodeChallenge == "" || params.CodeChallengeMethod == "" {
			return ErrInvalidRequest("PKCE is required: code_challenge and code_challenge_method are mandatory")
		}
	}
	if params.CodeChallenge != "" && params.CodeChallengeMethod != PKCEMethodS256 {
		return ErrInvalidRequest("unsupported code_challenge_method: only S256 is supported")
	}

	if err := s.validateScopes(params.Scope); err != nil {
		return ErrInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(params.Scope, client.Scopes); err != nil {
		return ErrInvalidScope(err.Error())
	}

	return nil
}
