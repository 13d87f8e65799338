// Package oidc implements OIDC discovery and ID token verification for
// upstream federation providers.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DiscoveryDocument contains the OpenID Connect provider metadata (RFC 8414
// subset) the federation flow needs.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSUri               string   `json:"jwks_uri"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches OIDC discovery documents. All
// discovered endpoints are required to use HTTPS. The client is safe for
// concurrent use.
type DiscoveryClient struct {
	httpClient *http.Client
	cache      sync.Map // issuerURL -> *cachedDocument
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// NewDiscoveryClient creates a discovery client. A nil httpClient gets a
// 10s-timeout default; cacheTTL 0 defaults to 1 hour.
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// Discover fetches (or returns the cached) discovery document for an
// issuer.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if cached, ok := c.cache.Load(issuerURL); ok {
		doc := cached.(*cachedDocument)
		if time.Since(doc.fetchedAt) < c.cacheTTL {
			return doc.document, nil
		}
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery failed with status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.cache.Store(issuerURL, &cachedDocument{document: &doc, fetchedAt: time.Now()})

	c.logger.Debug("OIDC discovery successful",
		"issuer", issuerURL,
		"authorization_endpoint", doc.AuthorizationEndpoint)
	return &doc, nil
}

// validateDocument enforces HTTPS on every discovered endpoint to prevent
// credential leakage.
func validateDocument(doc *DiscoveryDocument) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"jwks_uri", doc.JWKSUri},
	}
	for _, ep := range required {
		if ep.url == "" {
			return fmt.Errorf("%s is required but missing", ep.name)
		}
		if !strings.HasPrefix(ep.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", ep.name, ep.url)
		}
	}
	for _, ep := range []struct {
		name string
		url  string
	}{
		{"token_endpoint", doc.TokenEndpoint},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
	} {
		if ep.url != "" && !strings.HasPrefix(ep.url, "https://") {
			return fmt.Errorf("%s must use HTTPS if present: %s", ep.name, ep.url)
		}
	}
	return nil
}
