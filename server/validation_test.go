package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePKCE(t *testing.T) {
	env := newTestEnv(t)
	challenge := s256Challenge(testVerifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{
			name:      "valid S256",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  testVerifier,
		},
		{
			name:     "no challenge bound",
			verifier: "",
		},
		{
			name:      "missing verifier",
			challenge: challenge,
			method:    PKCEMethodS256,
			wantErr:   true,
		},
		{
			name:      "verifier too short",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  "too-short",
			wantErr:   true,
		},
		{
			name:      "verifier too long",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  strings.Repeat("a", 129),
			wantErr:   true,
		},
		{
			name:      "verifier with invalid characters",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  strings.Repeat("a", 42) + "!",
			wantErr:   true,
		},
		{
			name:      "plain method rejected",
			challenge: testVerifier,
			method:    "plain",
			verifier:  testVerifier,
			wantErr:   true,
		},
		{
			name:      "verifier does not match challenge",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  strings.Repeat("b", 43),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRedirectURISecurity(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		issuer   string
		wantErr  bool
	}{
		{
			name:     "https is always fine",
			redirect: "https://rp.example.com/cb",
			issuer:   "https://auth.example.com/op",
		},
		{
			name:     "fragment rejected",
			redirect: "https://rp.example.com/cb#frag",
			issuer:   "https://auth.example.com/op",
			wantErr:  true,
		},
		{
			name:     "javascript scheme rejected",
			redirect: "javascript:alert(1)",
			issuer:   "https://auth.example.com/op",
			wantErr:  true,
		},
		{
			name:     "data scheme rejected",
			redirect: "data:text/html,hi",
			issuer:   "https://auth.example.com/op",
			wantErr:  true,
		},
		{
			name:     "http loopback allowed under https issuer",
			redirect: "http://127.0.0.1:8080/cb",
			issuer:   "https://auth.example.com/op",
		},
		{
			name:     "http localhost allowed under https issuer",
			redirect: "http://localhost:8080/cb",
			issuer:   "https://auth.example.com/op",
		},
		{
			name:     "http non-loopback rejected under https issuer",
			redirect: "http://rp.example.com/cb",
			issuer:   "https://auth.example.com/op",
			wantErr:  true,
		},
		{
			name:     "http allowed under http issuer",
			redirect: "http://rp.example.com/cb",
			issuer:   "http://localhost:3000/op",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURISecurity(tt.redirect, tt.issuer)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Config.SupportedScopes = []string{"openid", "email", "profile"}

	assert.NoError(t, env.srv.validateScopes("openid email"))
	assert.NoError(t, env.srv.validateScopes(""))
	assert.Error(t, env.srv.validateScopes("openid admin"))

	env.srv.Config.SupportedScopes = nil
	assert.NoError(t, env.srv.validateScopes("anything goes"))
}

func TestValidateClientScopes(t *testing.T) {
	env := newTestEnv(t)

	assert.NoError(t, env.srv.validateClientScopes("openid email", nil))
	assert.NoError(t, env.srv.validateClientScopes("openid", []string{"openid", "email"}))
	assert.Error(t, env.srv.validateClientScopes("openid admin", []string{"openid", "email"}))
}
