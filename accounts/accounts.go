// Package accounts resolves durable end-user identities from credentials,
// federated claims, or session references. The token engine never mutates
// accounts; they are created at registration or on first federated login and
// read lazily per request.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Connection kinds. A "db" connection authenticates against locally stored
// credentials; federated connections delegate to an upstream provider.
const (
	ConnectionDB     = "db"
	ConnectionGoogle = "google"
	ConnectionGitHub = "github"
)

// Authentication errors. All of these are user-visible, re-enterable
// failures: the interaction layer renders them as a retry prompt, never as a
// stack trace or a protocol error to the RP.
var (
	// ErrAccountNotFound indicates no account matches the presented identity.
	ErrAccountNotFound = errors.New("account not found")

	// ErrNoPasswordHash indicates the account exists but has no local
	// credential (e.g. it was created via federation).
	ErrNoPasswordHash = errors.New("account has no password credential")

	// ErrInvalidCredentials indicates the password did not match.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountExists indicates a registration collision.
	ErrAccountExists = errors.New("account already exists")
)

// IsAuthFailure reports whether err is a user-visible authentication
// failure rather than an infrastructure error.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrNoPasswordHash) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrAccountExists)
}

// Connection is an authentication source an end-user may log in through.
// Clients enable a subset of connections; privileged tester clients see all.
type Connection struct {
	// Name uniquely identifies the connection (e.g. "main-db", "google").
	Name string

	// Kind is one of the Connection* constants.
	Kind string

	// AllowSignup permits new-account registration through this connection.
	// Only meaningful for db connections.
	AllowSignup bool
}

// Registerable reports whether new accounts can be created through this
// connection.
func (c Connection) Registerable() bool {
	return c.Kind == ConnectionDB && c.AllowSignup
}

// Claims is the profile claim set attached to an account. Keys follow OIDC
// standard claim names (name, email, email_verified, picture, locale,
// address, ...).
type Claims map[string]any

// Account is a durable end-user identity. The ID is provider-prefixed:
// "<connection>|<subject>" so the same email reached through different
// connections yields distinct accounts.
type Account struct {
	ID         string    `json:"id"`
	Connection string    `json:"connection"`
	Email      string    `json:"email,omitempty"`
	Claims     Claims    `json:"claims,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AccountID builds the provider-prefixed durable identifier.
func AccountID(connection, subject string) string {
	return connection + "|" + subject
}

// ConnectionOf extracts the connection prefix from a provider-prefixed id.
func ConnectionOf(accountID string) string {
	if i := strings.IndexByte(accountID, '|'); i >= 0 {
		return accountID[:i]
	}
	return ""
}

// FederatedClaims is the identity a federation provider resolved for the
// end-user, normalized across upstreams.
type FederatedClaims struct {
	// Subject is the stable upstream identifier for the user.
	Subject string

	// Email is the user's (primary) email address.
	Email string

	// EmailVerified indicates the upstream verified the email.
	EmailVerified bool

	// Name is the user's display name.
	Name string

	// Picture is the URL of the user's profile picture.
	Picture string
}

// Resolver resolves and creates accounts. Implementations must scope
// credential authentication to the connections the calling client has
// enabled.
type Resolver interface {
	// Get returns the account for a durable id, or ErrAccountNotFound.
	Get(ctx context.Context, accountID string) (*Account, error)

	// Authenticate resolves an account from an email/password pair against
	// the db connections in the given set. Failures are the user-visible
	// sentinel errors above.
	Authenticate(ctx context.Context, connections []Connection, email, password string) (*Account, error)

	// Register creates a new account with a password credential on the given
	// db connection. Fails with ErrAccountExists on collision.
	Register(ctx context.Context, connection Connection, email, password string) (*Account, error)

	// FindByFederated resolves the local account for upstream claims,
	// creating it on first login.
	FindByFederated(ctx context.Context, provider string, claims FederatedClaims) (*Account, error)
}

// validateConnectionForRegistration is shared by Resolver implementations.
func validateConnectionForRegistration(conn Connection) error {
	if !conn.Registerable() {
		return fmt.Errorf("connection %q does not allow signup", conn.Name)
	}
	return nil
}
