package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/keystore"
	"github.com/veridianlabs/idp/providers"
	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/storage"
)

// safeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when logging.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server is the authorization and token issuance engine. It drives the
// interaction state machine, mints and rotates tokens, and enforces the
// consumption-once and revocation-cascade semantics over the persistence
// adapter.
type Server struct {
	adapter     storage.Adapter
	keys        *keystore.Store
	accounts    accounts.Resolver
	upstreams   providers.Registry
	connections []accounts.Connection

	TTL                      *TTLPolicy
	Events                   EventSink
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	UserRateLimiter          *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates the issuance engine.
func New(
	adapter storage.Adapter,
	keys *keystore.Store,
	resolver accounts.Resolver,
	upstreams providers.Registry,
	connections []accounts.Connection,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("account resolver is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	srv := &Server{
		adapter:     adapter,
		keys:        keys,
		accounts:    resolver,
		upstreams:   upstreams,
		connections: connections,
		TTL:         &TTLPolicy{cfg: config},
		Events:      &LogSink{Logger: logger},
		Config:      config,
		Logger:      logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetEventSink replaces the default log-backed event sink.
func (s *Server) SetEventSink(sink EventSink) {
	s.Events = sink
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// AllowRequest consults the per-IP rate limiter for a protocol endpoint hit.
// A nil limiter admits everything; limiters are installed by the binary.
func (s *Server) AllowRequest(ip string) bool {
	if s.RateLimiter == nil || ip == "" {
		return true
	}
	if !s.RateLimiter.Allow(ip) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(ip, "")
		}
		return false
	}
	return true
}

// allowUserAttempt throttles credential submissions per identifier, so a
// single account cannot be brute-forced from many addresses within the
// per-IP budget.
func (s *Server) allowUserAttempt(identifier string) bool {
	if s.UserRateLimiter == nil || identifier == "" {
		return true
	}
	id := strings.ToLower(identifier)
	if !s.UserRateLimiter.Allow(id) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded("", id)
		}
		return false
	}
	return true
}

// Connections returns the configured authentication connections.
func (s *Server) Connections() []accounts.Connection {
	return s.connections
}

// SessionAccount resolves the account behind a browser session UID, or ""
// when the session is unknown or expired.
func (s *Server) SessionAccount(ctx context.Context, sessionUID string) string {
	session := s.lookupSession(ctx, sessionUID)
	if session == nil {
		return ""
	}
	return session.AccountID
}

// validateHTTPSEnforcement ensures the issuer uses HTTPS outside localhost.
// OAuth over HTTP exposes tokens, codes and credentials to interception.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got http://%s); "+
					"set AllowInsecureHTTP=true only for trusted test environments",
				issuerURL.Hostname(),
			)
		}
		s.Logger.Error("Running the identity provider over HTTP",
			"issuer", s.Config.Issuer,
			"risk", "all tokens and credentials exposed to network interception",
			"action_required", "switch to HTTPS")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine,
// including the whole 127.0.0.0/8 range and the IPv6 loopback.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, uids, grant ids, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
