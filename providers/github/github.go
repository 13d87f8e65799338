// Package github implements the GitHub federation upstream. GitHub is not
// an OIDC provider, so the flow is a plain authorization-code exchange
// followed by userinfo and primary-email lookups against the REST API.
package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/providers"
)

// Compile-time check that Upstream implements the providers.Upstream
// interface.
var _ providers.Upstream = (*Upstream)(nil)

const upstreamName = "github"

// GitHub API endpoints.
const (
	userEndpoint   = "https://api.github.com/user"
	emailsEndpoint = "https://api.github.com/user/emails"
)

// subjectLength is the length of the hex-encoded truncated SHA-256 digest
// used as the federated subject.
const subjectLength = 32

// Config holds GitHub federation configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// Scopes are optional custom scopes (defaults to ["user:email"]).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds GitHub API calls (default: 10s). A hung
	// upstream must not block the interaction.
	RequestTimeout time.Duration
}

// Upstream implements the GitHub federation sub-flow.
type Upstream struct {
	oauth          *oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration
}

// New creates a GitHub upstream.
func New(cfg *Config) (*Upstream, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user:email"}
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
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint:     oauthgithub.Endpoint,
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}, nil
}

// Name returns the upstream name.
func (u *Upstream) Name() string { return upstreamName }

// Subject derives the stable federated subject for a GitHub identity: the
// truncated hex SHA-256 of the primary email. Re-deriving for the same email
// always yields the same subject, so re-login lands on the same account.
func Subject(primaryEmail string) string {
	sum := sha256.Sum256([]byte(primaryEmail))
	return hex.EncodeToString(sum[:])[:subjectLength]
}

func (u *Upstream) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, u.requestTimeout)
}

// AuthorizationURL builds the GitHub authorization redirect. GitHub ignores
// nonce; the state parameter carries the CSRF binding.
func (u *Upstream) AuthorizationURL(_ context.Context, state, _, redirectURI string) (string, error) {
	cfg := *u.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state), nil
}

// HandleCallback exchanges the authorization code, then resolves the user's
// profile and primary verified email from the REST API.
func (u *Upstream) HandleCallback(ctx context.Context, _, redirectURI string, params url.Values) (*accounts.FederatedClaims, error) {
	ctx, cancel := u.ensureContextTimeout(ctx)
	defer cancel()

	if errCode := params.Get("error"); errCode != "" {
		return nil, fmt.Errorf("upstream returned error: %s", errCode)
	}

	code := params.Get("code")
	if code == "" {
		return nil, fmt.Errorf("callback missing code")
	}

	cfg := *u.oauth
	cfg.RedirectURL = redirectURI
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	profile, err := u.fetchUser(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	email, verified, err := u.fetchPrimaryEmail(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	if email == "" {
		return nil, fmt.Errorf("github account has no verified primary email")
	}

	return &accounts.FederatedClaims{
		Subject:       Subject(email),
		Email:         email,
		EmailVerified: verified,
		Name:          profile.Name,
		Picture:       profile.AvatarURL,
	}, nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (u *Upstream) fetchUser(ctx context.Context, accessToken string) (*githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user request failed with status %d", resp.StatusCode)
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

// fetchPrimaryEmail returns the primary verified email, falling back to the
// first verified one.
func (u *Upstream) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, emailsEndpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("emails request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("emails request failed with status %d", resp.StatusCode)
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", false, fmt.Errorf("failed to decode emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true, nil
		}
	}
	return "", false, nil
}
