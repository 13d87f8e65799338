package idp

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/veridianlabs/idp/server"
)

// Config is the deployment configuration, loaded from the environment.
type Config struct {
	// Issuer is the public issuer identifier. It must carry a non-root path
	// prefix (e.g. https://auth.example.com/op) so the provider can be
	// mounted next to other applications without route collisions.
	Issuer string `env:"ISSUER,required"`

	// Addr is the listen address.
	Addr string `env:"ADDR" envDefault:":3000"`

	// StorePath selects the bbolt database file. Empty means the in-memory
	// adapter (single instance, no persistence across restarts).
	StorePath string `env:"STORE_PATH"`

	// StorageEncryptionKey is the base64 AES-256 key for encrypting payloads
	// at rest in the bbolt adapter. Empty disables encryption.
	StorageEncryptionKey string `env:"STORAGE_ENCRYPTION_KEY"`

	// AllowInsecureHTTP permits an http:// issuer outside localhost.
	AllowInsecureHTTP bool `env:"ALLOW_INSECURE_HTTP"`

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool `env:"AUDIT_ENABLED" envDefault:"true"`

	// TrustProxy enables X-Forwarded-For handling behind a reverse proxy.
	TrustProxy        bool `env:"TRUST_PROXY"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	// Rate limiting.
	RateLimitPerSecond int `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// SupportedScopes lists the scopes clients may request.
	SupportedScopes []string `env:"SUPPORTED_SCOPES" envSeparator:" " envDefault:"openid email profile offline_access"`

	// Token lifetimes, in seconds. Zero means the engine default.
	AccessTokenTTL       int64 `env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL      int64 `env:"REFRESH_TOKEN_TTL"`
	AuthorizationCodeTTL int64 `env:"AUTHORIZATION_CODE_TTL"`
	SessionTTL           int64 `env:"SESSION_TTL"`

	// Upstream federation credentials. A provider is enabled when both its
	// values are set.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`

	// Observability.
	OTELEnabled    bool   `env:"OTEL_ENABLED"`
	ServiceVersion string `env:"SERVICE_VERSION"`

	// Development bootstrap. BootstrapRedirectURI seeds a public PKCE test
	// client on startup; the seed account is created when both credential
	// values are set.
	BootstrapRedirectURI string `env:"BOOTSTRAP_REDIRECT_URI"`
	DevSeedEmail         string `env:"DEV_SEED_EMAIL"`
	DevSeedPassword      string `env:"DEV_SEED_PASSWORD"`
}

// LoadConfig parses the environment into a Config and validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid ISSUER: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid ISSUER scheme: %s (must be http or https)", u.Scheme)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		return fmt.Errorf("ISSUER must include a non-root path prefix (e.g. %s/op)", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("ISSUER must not carry a query or fragment")
	}
	return nil
}

// IssuerPath returns the issuer's path prefix without a trailing slash.
func (c *Config) IssuerPath() string {
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

// EngineConfig builds the issuance engine configuration. Endpoint base paths
// are host-absolute and include the issuer's path prefix.
func (c *Config) EngineConfig() *server.Config {
	prefix := c.IssuerPath()
	return &server.Config{
		Issuer:               strings.TrimSuffix(c.Issuer, "/"),
		InteractionBasePath:  prefix + "/interaction",
		AuthorizeBasePath:    prefix + "/authorize",
		AccessTokenTTL:       c.AccessTokenTTL,
		RefreshTokenTTL:      c.RefreshTokenTTL,
		AuthorizationCodeTTL: c.AuthorizationCodeTTL,
		SessionTTL:           c.SessionTTL,
		AllowInsecureHTTP:    c.AllowInsecureHTTP,
		SupportedScopes:      c.SupportedScopes,
	}
}

// Logger builds the default structured logger.
func (c *Config) Logger() *slog.Logger {
	return slog.Default()
}
