package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/keystore"
	"github.com/veridianlabs/idp/providers"
	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/server"
	"github.com/veridianlabs/idp/storage"
	"github.com/veridianlabs/idp/storage/memory"
)

const testIssuer = "http://localhost:3000/op"

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	store := memory.New()
	t.Cleanup(store.Stop)

	keys := keystore.New(store, logger)
	require.NoError(t, keys.InitializeKeys(ctx))

	resolver := accounts.NewMemoryResolver()
	_, err := resolver.Seed("main-db", "ada@example.com", "correct horse battery staple")
	require.NoError(t, err)

	connections := []accounts.Connection{
		{Name: "main-db", Kind: accounts.ConnectionDB, AllowSignup: true},
	}

	cfg := &Config{Issuer: testIssuer}
	srv, err := server.New(store, keys, resolver, providers.Registry{}, connections,
		cfg.EngineConfig(), logger)
	require.NoError(t, err)

	client := &storage.Client{
		ID:                      "web-app",
		RedirectURIs:            []string{"https://rp.example.com/cb"},
		GrantTypes:              []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
		ApplicationType:         server.ApplicationTypeWeb,
	}
	require.NoError(t, storage.Upsert(ctx, store, client, 0))

	return NewHandler(srv, keys, cfg, logger)
}

func TestDiscovery(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/.well-known/openid-configuration", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer, meta["issuer"])
	assert.Equal(t, testIssuer+"/authorize", meta["authorization_endpoint"])
	assert.Equal(t, testIssuer+"/token", meta["token_endpoint"])
	assert.Equal(t, testIssuer+"/jwks", meta["jwks_uri"])
	assert.Equal(t, []any{"code"}, meta["response_types_supported"])
	assert.Equal(t, []any{"S256"}, meta["code_challenge_methods_supported"])
	assert.Equal(t, true, meta["authorization_response_iss_parameter_supported"])
}

func TestJWKS(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/jwks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Keys, 2)
	for _, key := range set.Keys {
		assert.NotContains(t, key, "d", "private components must not be published")
		assert.Contains(t, key, "kid")
	}
}

func TestAuthorize_UnknownClientGetsJSONError(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/op/authorize?client_id=ghost&redirect_uri=https://rp.example.com/cb&response_type=code&scope=openid", nil))

	// No redirect: an unvalidated redirect_uri never receives an error.
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, server.ErrorCodeInvalidRequest, body.Error)
}

func TestAuthorize_RedirectsToInteraction(t *testing.T) {
	h := newTestHandler(t)

	q := url.Values{
		"client_id":             {"web-app"},
		"redirect_uri":          {"https://rp.example.com/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"state":                 {"af0ifjsldkj"},
		"code_challenge":        {strings.Repeat("a", 43)},
		"code_challenge_method": {"S256"},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/op/interaction/"), "got %q", location)

	// The interaction page renders the login prompt.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, location, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "Sign in")
}

func TestInteractionRegisterPage(t *testing.T) {
	h := newTestHandler(t)

	q := url.Values{
		"client_id":             {"web-app"},
		"redirect_uri":          {"https://rp.example.com/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"code_challenge":        {strings.Repeat("a", 43)},
		"code_challenge_method": {"S256"},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, location+"/register", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Create account")
}

func TestToken_ErrorShape(t *testing.T) {
	h := newTestHandler(t)

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
	}
	req := httptest.NewRequest(http.MethodPost, "/op/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, server.ErrorCodeUnsupportedGrantType, body.Error)
}

func TestRevoke_UnknownTokenReturns200(t *testing.T) {
	h := newTestHandler(t)

	form := url.Values{
		"token":     {"no-such-token"},
		"client_id": {"web-app"},
	}
	req := httptest.NewRequest(http.MethodPost, "/op/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegister_RequiresBearerToken(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/op/register",
		strings.NewReader(`{"redirect_uris":["https://rp.example.com/cb"]}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, server.ErrorCodeInvalidToken, body.Error)
}

func TestSecurityHeaders(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/jwks", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestPageTemplatesRender(t *testing.T) {
	// Package init already parsed every template; executing them catches
	// references to fields the render data does not carry.
	view := &server.InteractionView{
		ClientName:       "Web App",
		LoginHint:        "ada@example.com",
		CanRegister:      true,
		ErrorDescription: "Invalid email or password.",
		Connections: []accounts.Connection{
			{Name: "main-db", Kind: accounts.ConnectionDB},
			{Name: "github", Kind: accounts.ConnectionGitHub},
		},
		Prompt: storage.PromptDetail{
			Name:             "consent",
			MissingOIDCScope: []string{"openid", "email"},
			MissingResourceScopes: map[string][]string{
				"https://api.example.com": {"read"},
			},
		},
	}
	data := map[string]any{
		"View":        view,
		"LoginURL":    "/op/interaction/abc/login",
		"RegisterURL": "/op/interaction/abc/register",
		"ConfirmURL":  "/op/interaction/abc/confirm",
		"AbortURL":    "/op/interaction/abc/abort",
		"FederateURL": "/op/interaction/abc/federated",
		"Action":      "/op/device",
		"UserCode":    "BCDF-GHJK",
		"ApproveURL":  "/op/device/approve",
		"DenyURL":     "/op/device/deny",
		"Message":     "Device approved.",
	}

	for _, tmpl := range []*template.Template{
		loginTemplate, registerTemplate, consentTemplate,
		deviceLookupTemplate, deviceConfirmTemplate, deviceDoneTemplate,
	} {
		t.Run(tmpl.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tmpl.Execute(&buf, data))
			assert.Contains(t, buf.String(), "<!DOCTYPE html>")
			assert.Contains(t, buf.String(), "<title>")
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestHandler(t)
	rl := security.NewRateLimiter(1, 1, slog.New(slog.DiscardHandler))
	t.Cleanup(rl.Stop)
	h.server.SetRateLimiter(rl)

	// The single burst token admits the first request.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/device", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/device", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, server.ErrorCodeRateLimitExceeded, body.Error)

	// Discovery and JWKS stay outside the limited group.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/jwks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegistrationManagement_Read(t *testing.T) {
	h := newTestHandler(t)

	initial, err := h.server.MintInitialAccessToken(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/op/register",
		strings.NewReader(`{"redirect_uris":["https://new-rp.example.com/cb"],"client_name":"New RP"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+initial)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created server.RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ClientID)
	require.NotEmpty(t, created.RegistrationAccessToken)

	// Reading the registration back requires the registration access token.
	req = httptest.NewRequest(http.MethodGet, "/op/register/"+created.ClientID, nil)
	req.Header.Set("Authorization", "Bearer "+created.RegistrationAccessToken)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var read server.RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &read))
	assert.Equal(t, created.ClientID, read.ClientID)
	assert.Equal(t, "New RP", read.ClientName)
	assert.Equal(t, []string{"https://new-rp.example.com/cb"}, read.RedirectURIs)
	assert.Empty(t, read.ClientSecret, "secrets are never echoed on read")
	assert.Empty(t, read.RegistrationAccessToken, "the token is minted once, at registration")

	// A bad token is rejected without confirming the client exists.
	req = httptest.NewRequest(http.MethodGet, "/op/register/"+created.ClientID, nil)
	req.Header.Set("Authorization", "Bearer not-the-token")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, server.ErrorCodeInvalidToken, body.Error)
}

func TestDevicePage(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op/device?user_code=BCDF-GHJK", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BCDF-GHJK", "the user code from the URL prefills the form")
}
