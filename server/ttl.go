package server

import (
	"time"

	"github.com/veridianlabs/idp/storage"
)

// TTLPolicy computes the expiry for each artifact kind at write time. All
// methods are pure given the configured defaults; the contextual inputs
// (client override, rotated token, sender constraint) are explicit parameters
// rather than ambient request state.
type TTLPolicy struct {
	cfg *Config
}

// AccessToken returns the access token TTL, honoring the client's override.
func (p *TTLPolicy) AccessToken(client *storage.Client) time.Duration {
	if client != nil && client.AccessTokenTTL > 0 {
		return time.Duration(client.AccessTokenTTL) * time.Second
	}
	return time.Duration(p.cfg.AccessTokenTTL) * time.Second
}

// ClientCredentials returns the client-credentials token TTL, honoring the
// client's override.
func (p *TTLPolicy) ClientCredentials(client *storage.Client) time.Duration {
	if client != nil && client.AccessTokenTTL > 0 {
		return time.Duration(client.AccessTokenTTL) * time.Second
	}
	return time.Duration(p.cfg.ClientCredentialsTTL) * time.Second
}

// AuthorizationCode returns the fixed authorization code TTL.
func (p *TTLPolicy) AuthorizationCode() time.Duration {
	return time.Duration(p.cfg.AuthorizationCodeTTL) * time.Second
}

// DeviceCode returns the fixed device code TTL.
func (p *TTLPolicy) DeviceCode() time.Duration {
	return time.Duration(p.cfg.DeviceCodeTTL) * time.Second
}

// BackchannelRequest caps the backchannel request TTL at the configured
// maximum; a shorter client-requested expiry wins.
func (p *TTLPolicy) BackchannelRequest(requestedExpiry time.Duration) time.Duration {
	max := time.Duration(p.cfg.BackchannelRequestTTL) * time.Second
	if requestedExpiry > 0 && requestedExpiry < max {
		return requestedExpiry
	}
	return max
}

// PushedRequest returns the PAR request URI TTL.
func (p *TTLPolicy) PushedRequest() time.Duration {
	return time.Duration(p.cfg.PushedRequestTTL) * time.Second
}

// Grant returns the grant TTL. Re-saving a grant on reuse refreshes it.
func (p *TTLPolicy) Grant() time.Duration {
	return time.Duration(p.cfg.GrantTTL) * time.Second
}

// Session returns the browser session TTL.
func (p *TTLPolicy) Session() time.Duration {
	return time.Duration(p.cfg.SessionTTL) * time.Second
}

// Interaction returns the pending interaction TTL.
func (p *TTLPolicy) Interaction() time.Duration {
	return time.Duration(p.cfg.InteractionTTL) * time.Second
}

// RefreshToken returns the refresh token TTL. rotated is the token being
// redeemed when this issuance is a rotation, nil otherwise; senderConstrained
// marks DPoP/mTLS-bound successors.
//
// SECURITY: for a rotation issued to a public web client (applicationType
// "web", auth method "none") with an unconstrained token, the successor gets
// the rotated token's remaining lifetime instead of a fresh window. Without
// this, such a client could keep a stolen refresh token alive forever by
// rotating it.
func (p *TTLPolicy) RefreshToken(client *storage.Client, rotated *storage.RefreshToken, senderConstrained bool, now time.Time) time.Duration {
	full := time.Duration(p.cfg.RefreshTokenTTL) * time.Second

	if rotated == nil || senderConstrained {
		return full
	}
	if client == nil || client.ApplicationType != "web" || !client.Public() {
		return full
	}

	remaining := rotated.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > full {
		return full
	}
	return remaining
}
