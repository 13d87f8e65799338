package server

import (
	"log/slog"
)

// Config holds the issuance engine configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL with path prefix)
	Issuer string

	// InteractionBasePath is the host-absolute path prefix of the
	// interaction sub-app, including the issuer's path prefix
	InteractionBasePath string // default: "/interaction"

	// AuthorizeBasePath is the host-absolute path prefix of the
	// authorization endpoint, used for resume redirects
	AuthorizeBasePath string // default: "/authorize"

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 60 (1 minute)

	// AccessTokenTTL is how long access tokens are valid unless the client
	// carries its own override
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// ClientCredentialsTTL is how long client-credentials tokens are valid
	ClientCredentialsTTL int64 // seconds, default: 600 (10 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid; rotation for
	// unconstrained public web clients never extends past the rotated
	// token's remaining lifetime
	RefreshTokenTTL int64 // seconds, default: 1209600 (14 days)

	// DeviceCodeTTL is how long device codes are valid
	DeviceCodeTTL int64 // seconds, default: 600 (10 minutes)

	// DeviceCodeInterval is the minimum polling interval reported to
	// device-flow clients
	DeviceCodeInterval int64 // seconds, default: 5

	// BackchannelRequestTTL caps backchannel authentication requests;
	// a shorter client-requested expiry wins
	BackchannelRequestTTL int64 // seconds, default: 600 (10 minutes)

	// PushedRequestTTL is how long PAR request URIs are valid
	PushedRequestTTL int64 // seconds, default: 60

	// GrantTTL is how long grants are valid; re-saving on reuse refreshes it
	GrantTTL int64 // seconds, default: 1209600 (14 days)

	// SessionTTL is how long browser sessions are valid
	SessionTTL int64 // seconds, default: 1209600 (14 days)

	// InteractionTTL is how long a pending interaction stays resumable
	InteractionTTL int64 // seconds, default: 3600 (1 hour)

	// RequirePKCE enforces PKCE for all authorization requests
	// When true, code_challenge is mandatory (secure by default)
	// Default: true
	RequirePKCE bool // default: true

	// RotateRefreshTokens enables refresh token rotation on redemption
	// Default: true (secure by default)
	RotateRefreshTokens bool // default: true

	// AllowInsecureHTTP permits a non-HTTPS issuer outside localhost
	// WARNING: exposes all tokens and credentials to interception
	// Default: false
	AllowInsecureHTTP bool // default: false

	// SupportedScopes lists the scopes clients may request
	// If empty, all scopes are allowed
	SupportedScopes []string
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyPathDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60 // 1 minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.ClientCredentialsTTL == 0 {
		config.ClientCredentialsTTL = 600 // 10 minutes
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 1209600 // 14 days
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 600 // 10 minutes
	}
	if config.DeviceCodeInterval == 0 {
		config.DeviceCodeInterval = 5
	}
	if config.BackchannelRequestTTL == 0 {
		config.BackchannelRequestTTL = 600 // 10 minutes
	}
	if config.PushedRequestTTL == 0 {
		config.PushedRequestTTL = 60
	}
	if config.GrantTTL == 0 {
		config.GrantTTL = 1209600 // 14 days
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = 1209600 // 14 days
	}
	if config.InteractionTTL == 0 {
		config.InteractionTTL = 3600 // 1 hour
	}
}

// applyPathDefaults sets default values for path-based configuration
func applyPathDefaults(config *Config) {
	if config.InteractionBasePath == "" {
		config.InteractionBasePath = "/interaction"
	}
	if config.AuthorizeBasePath == "" {
		config.AuthorizeBasePath = "/authorize"
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// Heuristic: if all security bools are false, it's likely a fresh config
	isDefaultConfig := !config.RequirePKCE &&
		!config.RotateRefreshTokens &&
		!config.AllowInsecureHTTP

	if isDefaultConfig {
		config.RequirePKCE = true
		config.RotateRefreshTokens = true
		config.AllowInsecureHTTP = false
		return
	}

	if !config.RequirePKCE {
		logger.Warn("PKCE is not required - authorization codes are vulnerable to interception",
			"recommendation", "Set RequirePKCE=true")
	}
	if !config.RotateRefreshTokens {
		logger.Warn("Refresh token rotation is disabled - stolen refresh tokens stay valid until expiry",
			"recommendation", "Set RotateRefreshTokens=true")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("Insecure HTTP is allowed - tokens and credentials are exposed to interception",
			"recommendation", "Use HTTPS for all deployments")
	}
}
