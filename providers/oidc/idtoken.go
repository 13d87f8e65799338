package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
)

// IDTokenClaims is the subset of ID token claims the federation flow
// consumes.
type IDTokenClaims struct {
	Issuer        string   `json:"iss"`
	Subject       string   `json:"sub"`
	Audience      audience `json:"aud"`
	Nonce         string   `json:"nonce,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	ExpiresAt     int64    `json:"exp"`
	IssuedAt      int64    `json:"iat"`
}

// audience accepts both the string and array forms of the aud claim.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = audience(many)
	return nil
}

func (a audience) contains(v string) bool {
	for _, aud := range a {
		if aud == v {
			return true
		}
	}
	return false
}

// VerifyIDToken verifies an upstream ID token's signature against the
// issuer's JWKS and validates the iss, aud, exp and nonce claims.
// The nonce check is what binds the callback to the interaction that
// started it; a mismatch means replay or CSRF.
func VerifyIDToken(ctx context.Context, jwksURI, idToken, issuer, clientID, nonce string) (*IDTokenClaims, error) {
	set, err := jwk.Fetch(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upstream JWKS: %w", err)
	}

	payload, err := jws.Verify([]byte(idToken), jws.WithKeySet(set))
	if err != nil {
		return nil, fmt.Errorf("id_token signature verification failed: %w", err)
	}

	var claims IDTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}

	if claims.Issuer != issuer {
		return nil, fmt.Errorf("id_token issuer mismatch: got %q", claims.Issuer)
	}
	if !claims.Audience.contains(clientID) {
		return nil, fmt.Errorf("id_token audience mismatch")
	}
	if claims.ExpiresAt != 0 && time.Now().After(time.Unix(claims.ExpiresAt, 0)) {
		return nil, fmt.Errorf("id_token expired")
	}
	if nonce != "" && claims.Nonce != nonce {
		return nil, fmt.Errorf("id_token nonce mismatch")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("id_token missing subject")
	}

	return &claims, nil
}
