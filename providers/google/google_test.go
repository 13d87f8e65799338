package google

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/idp/providers/oidc"
)

// discoveryTransport serves a canned discovery document for the Google
// issuer without any network access.
type discoveryTransport struct {
	doc oidc.DiscoveryDocument
}

func (t *discoveryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.String() != "https://accounts.google.com/.well-known/openid-configuration" {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     http.Header{},
		}, nil
	}
	body, err := json.Marshal(t.doc)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
	}, nil
}

func newTestUpstream(t *testing.T) *Upstream {
	t.Helper()
	u, err := New(&Config{
		ClientID:     "client-123",
		ClientSecret: "secret-456",
		HTTPClient: &http.Client{Transport: &discoveryTransport{doc: oidc.DiscoveryDocument{
			Issuer:                "https://accounts.google.com",
			AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenEndpoint:         "https://oauth2.googleapis.com/token",
			JWKSUri:               "https://www.googleapis.com/oauth2/v3/certs",
		}}},
	})
	require.NoError(t, err)
	return u
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(&Config{ClientSecret: "secret"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client ID")

	_, err = New(&Config{ClientID: "client-123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client secret")
}

func TestAuthorizationURL_CodeFlow(t *testing.T) {
	u := newTestUpstream(t)

	authURL, err := u.AuthorizationURL(context.Background(),
		"state-abc", "nonce-xyz", "https://op.example.com/op/interaction/callback/google")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "https://op.example.com/op/interaction/callback/google", q.Get("redirect_uri"))
	assert.Equal(t, "state-abc", q.Get("state"))
	assert.Equal(t, "nonce-xyz", q.Get("nonce"))
	assert.Contains(t, q.Get("scope"), "openid")
	assert.Empty(t, q.Get("response_mode"), "the callback must arrive as a plain GET")
}

func TestHandleCallback_UpstreamError(t *testing.T) {
	u := newTestUpstream(t)

	_, err := u.HandleCallback(context.Background(), "nonce-xyz",
		"https://op.example.com/cb", url.Values{"error": {"access_denied"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestHandleCallback_MissingCode(t *testing.T) {
	u := newTestUpstream(t)

	_, err := u.HandleCallback(context.Background(), "nonce-xyz",
		"https://op.example.com/cb", url.Values{"state": {"state-abc"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing code")
}
