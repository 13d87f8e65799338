package accounts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MemoryResolver is an in-memory Resolver suitable for development, testing
// and single-instance deployments. Accounts are keyed by durable id;
// credential lookup goes through a per-connection email index.
type MemoryResolver struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	// credentials maps connection|email -> (accountID, bcrypt hash)
	credentials map[string]credential
}

type credential struct {
	accountID    string
	passwordHash []byte
}

// Compile-time interface check.
var _ Resolver = (*MemoryResolver)(nil)

// NewMemoryResolver creates an empty in-memory resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		accounts:    make(map[string]*Account),
		credentials: make(map[string]credential),
	}
}

func credentialKey(connection, email string) string {
	return connection + "|" + strings.ToLower(email)
}

// Get returns the account for a durable id.
func (r *MemoryResolver) Get(_ context.Context, accountID string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *account
	return &out, nil
}

// Authenticate checks an email/password pair against the db connections in
// the set, in order. The distinct failure modes (no account, no credential,
// bad password) stay distinguishable for logging but are all user-visible
// retry errors.
func (r *MemoryResolver) Authenticate(_ context.Context, connections []Connection, email, password string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range connections {
		if conn.Kind != ConnectionDB {
			continue
		}
		cred, ok := r.credentials[credentialKey(conn.Name, email)]
		if !ok {
			continue
		}
		if len(cred.passwordHash) == 0 {
			return nil, ErrNoPasswordHash
		}
		if err := bcrypt.CompareHashAndPassword(cred.passwordHash, []byte(password)); err != nil {
			return nil, ErrInvalidCredentials
		}
		account, ok := r.accounts[cred.accountID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		out := *account
		return &out, nil
	}
	return nil, ErrAccountNotFound
}

// Register creates a new account with a bcrypt password credential.
func (r *MemoryResolver) Register(_ context.Context, connection Connection, email, password string) (*Account, error) {
	if err := validateConnectionForRegistration(connection); err != nil {
		return nil, err
	}
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := credentialKey(connection.Name, email)
	if _, exists := r.credentials[key]; exists {
		return nil, ErrAccountExists
	}

	account := &Account{
		ID:         AccountID(connection.Name, strings.ToLower(email)),
		Connection: connection.Name,
		Email:      strings.ToLower(email),
		Claims: Claims{
			"email":          strings.ToLower(email),
			"email_verified": false,
		},
		CreatedAt: time.Now(),
	}
	r.accounts[account.ID] = account
	r.credentials[key] = credential{accountID: account.ID, passwordHash: hash}

	out := *account
	return &out, nil
}

// FindByFederated resolves (creating on first login) the local account for
// upstream claims. The durable id is provider-prefixed with the upstream
// subject, so re-login always lands on the same account.
func (r *MemoryResolver) FindByFederated(_ context.Context, provider string, claims FederatedClaims) (*Account, error) {
	if claims.Subject == "" {
		return nil, ErrAccountNotFound
	}

	id := AccountID(provider, claims.Subject)

	r.mu.Lock()
	defer r.mu.Unlock()

	if account, ok := r.accounts[id]; ok {
		out := *account
		return &out, nil
	}

	account := &Account{
		ID:         id,
		Connection: provider,
		Email:      claims.Email,
		Claims: Claims{
			"email":          claims.Email,
			"email_verified": claims.EmailVerified,
			"name":           claims.Name,
			"picture":        claims.Picture,
		},
		CreatedAt: time.Now(),
	}
	r.accounts[id] = account

	out := *account
	return &out, nil
}

// Seed inserts an account with a password credential, bypassing the signup
// checks. Intended for boot-time seeding and tests.
func (r *MemoryResolver) Seed(connection, email, password string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	account := &Account{
		ID:         AccountID(connection, strings.ToLower(email)),
		Connection: connection,
		Email:      strings.ToLower(email),
		Claims:     Claims{"email": strings.ToLower(email), "email_verified": true},
		CreatedAt:  time.Now(),
	}
	r.accounts[account.ID] = account
	r.credentials[credentialKey(connection, email)] = credential{
		accountID:    account.ID,
		passwordHash: hash,
	}
	out := *account
	return &out, nil
}
