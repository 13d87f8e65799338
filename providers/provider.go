// Package providers defines the interface for upstream federation
// identity providers and implements provider-specific logic for Google,
// GitHub, and generic OIDC upstreams.
package providers

import (
	"context"
	"net/url"

	"github.com/veridianlabs/idp/accounts"
)

// Upstream is a federated identity provider the interaction layer can hand
// the end-user to. The federation sub-flow is two-phase: phase 1 redirects
// to AuthorizationURL with a per-interaction nonce; phase 2 hands the
// callback parameters (and the nonce retrieved from its cookie) to
// HandleCallback, which resolves the upstream identity.
type Upstream interface {
	// Name returns the upstream name (e.g. "google", "github"). It doubles
	// as the connection name and the account id prefix.
	Name() string

	// AuthorizationURL builds the upstream authorization redirect for
	// phase 1. state is the server-side CSRF value, nonce the
	// per-interaction replay guard, redirectURI the callback on this IdP.
	AuthorizationURL(ctx context.Context, state, nonce, redirectURI string) (string, error)

	// HandleCallback performs phase 2: validates/exchanges the callback
	// parameters and returns the normalized upstream identity.
	// Implementations must bound all outbound calls with a timeout; a hung
	// upstream must not block the interaction indefinitely.
	HandleCallback(ctx context.Context, nonce, redirectURI string, params url.Values) (*accounts.FederatedClaims, error)
}

// Registry is a named set of upstreams.
type Registry map[string]Upstream

// Get returns the upstream by name.
func (r Registry) Get(name string) (Upstream, bool) {
	u, ok := r[name]
	return u, ok
}
