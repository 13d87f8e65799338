// Package google implements the Google federation upstream using OIDC
// discovery and the authorization-code flow: the callback carries a code,
// and the signed identity assertion comes back in the token exchange.
package google

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/providers"
	"github.com/veridianlabs/idp/providers/oidc"
)

// Compile-time check that Upstream implements the providers.Upstream
// interface.
var _ providers.Upstream = (*Upstream)(nil)

const (
	upstreamName = "google"

	// googleIssuer is the fixed issuer; discovery fills in the endpoints.
	googleIssuer = "https://accounts.google.com"
)

// Config holds Google federation configuration.
type Config struct {
	// ClientID is the Google OAuth client ID.
	ClientID string

	// ClientSecret is the Google OAuth client secret, used for the code
	// exchange at the token endpoint.
	ClientSecret string

	// Scopes are optional custom scopes (defaults to openid email profile).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds discovery, token exchange and JWKS fetches
	// (default: 10s). A hung upstream must not block the interaction.
	RequestTimeout time.Duration
}

// Upstream implements the Google federation sub-flow.
type Upstream struct {
	clientID       string
	clientSecret   string
	scopes         []string
	discovery      *oidc.DiscoveryClient
	httpClient     *http.Client
	requestTimeout time.Duration
}

// New creates a Google upstream.
func New(cfg *Config) (*Upstream, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Upstream{
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		scopes:         scopes,
		discovery:      oidc.NewDiscoveryClient(httpClient, 0, nil),
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}, nil
}

// Name returns the upstream name.
func (u *Upstream) Name() string { return upstreamName }

// ensureContextTimeout ensures the context has a deadline, adding one if
// needed.
func (u *Upstream) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, u.requestTimeout)
}

// oauthConfig builds the exchange config from the discovered endpoints.
func (u *Upstream) oauthConfig(doc *oidc.DiscoveryDocument, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     u.clientID,
		ClientSecret: u.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       u.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
}

// AuthorizationURL builds the Google authorization redirect. The nonce binds
// the id_token minted during the code exchange back to the interaction that
// started it.
func (u *Upstream) AuthorizationURL(ctx context.Context, state, nonce, redirectURI string) (string, error) {
	ctx, cancel := u.ensureContextTimeout(ctx)
	defer cancel()

	doc, err := u.discovery.Discover(ctx, googleIssuer)
	if err != nil {
		return "", fmt.Errorf("google discovery failed: %w", err)
	}

	return u.oauthConfig(doc, redirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce)), nil
}

// HandleCallback exchanges the authorization code, then verifies the
// id_token returned alongside the access token and normalizes its claims.
func (u *Upstream) HandleCallback(ctx context.Context, nonce, redirectURI string, params url.Values) (*accounts.FederatedClaims, error) {
	ctx, cancel := u.ensureContextTimeout(ctx)
	defer cancel()

	if errCode := params.Get("error"); errCode != "" {
		return nil, fmt.Errorf("upstream returned error: %s", errCode)
	}

	code := params.Get("code")
	if code == "" {
		return nil, fmt.Errorf("callback missing code")
	}

	doc, err := u.discovery.Discover(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("google discovery failed: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document has no token endpoint")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
	token, err := u.oauthConfig(doc, redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("token response missing id_token")
	}

	claims, err := oidc.VerifyIDToken(ctx, doc.JWKSUri, idToken, doc.Issuer, u.clientID, nonce)
	if err != nil {
		return nil, err
	}

	return &accounts.FederatedClaims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}
