package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/idp/storage"
)

func (e *testEnv) exchangeCode(code string) (*TokenResponse, *OAuthError) {
	return e.srv.Token(e.ctx, &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: testVerifier,
		ClientID:     "web-app",
	})
}

func (e *testEnv) refresh(refreshToken string) (*TokenResponse, *OAuthError) {
	return e.srv.Token(e.ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: refreshToken,
		ClientID:     "web-app",
	})
}

func TestToken_UnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t)

	_, oerr := env.srv.Token(env.ctx, &TokenRequest{GrantType: "password"})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeUnsupportedGrantType, oerr.Code)
}

func TestToken_CodeReplayRevokesGrant(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid offline_access")

	first, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)
	require.NotEmpty(t, first.RefreshToken)

	// Second redemption of the same code.
	_, oerr = env.exchangeCode(code)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)

	// The replay revoked the whole grant: tokens from the first redemption
	// are dead too.
	_, oerr = env.refresh(first.RefreshToken)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)
}

func TestToken_WrongPKCEVerifier(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid")

	_, oerr := env.srv.Token(env.ctx, &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: "wrong-wrong-wrong-wrong-wrong-wrong-wrong-wrong",
		ClientID:     "web-app",
	})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)

	// The failed attempt consumed the code; retrying with the right verifier
	// must not work.
	_, oerr = env.exchangeCode(code)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)
}

func TestToken_RedirectURIMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid")

	_, oerr := env.srv.Token(env.ctx, &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://rp.example.com/other",
		CodeVerifier: testVerifier,
		ClientID:     "web-app",
	})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)
}

func TestToken_RefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid offline_access")
	first, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)

	second, oerr := env.refresh(first.RefreshToken)
	require.Nil(t, oerr)
	assert.NotEmpty(t, second.RefreshToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken, "rotation must mint a new token")
	assert.NotEmpty(t, second.IDToken, "openid refresh should re-issue an ID token")

	rotated, _, err := storage.Find[storage.RefreshToken](env.ctx, env.adapter,
		storage.KindRefreshToken, second.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, rotated)
	assert.Equal(t, first.RefreshToken, rotated.RotatedFrom)
}

func TestToken_RefreshReplayRevokesGrant(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid offline_access")
	first, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)

	second, oerr := env.refresh(first.RefreshToken)
	require.Nil(t, oerr)

	// Replaying the rotated-out token kills the whole chain.
	_, oerr = env.refresh(first.RefreshToken)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)

	_, oerr = env.refresh(second.RefreshToken)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code, "successor must be revoked by the cascade")
}

func TestToken_PublicWebRotationKeepsRemainingLifetime(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid offline_access")
	first, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)

	firstRec, err := env.adapter.Find(env.ctx, storage.KindRefreshToken, first.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, firstRec)

	second, oerr := env.refresh(first.RefreshToken)
	require.Nil(t, oerr)

	secondRec, err := env.adapter.Find(env.ctx, storage.KindRefreshToken, second.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, secondRec)

	// The successor expires when the rotated token would have, give or take
	// the test's own runtime.
	assert.WithinDuration(t, firstRec.ExpiresAt, secondRec.ExpiresAt, 2*time.Second)
}

func TestToken_ClientCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.seedConfidentialClient("s3cret", GrantTypeClientCredentials)

	resp, oerr := env.srv.Token(env.ctx, &TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     "backend-service",
		ClientSecret: "s3cret",
		Scope:        "email",
	})
	require.Nil(t, oerr)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken, "client_credentials never yields a refresh token")
	assert.Empty(t, resp.IDToken)
}

func TestToken_ClientCredentialsBadSecret(t *testing.T) {
	env := newTestEnv(t)
	env.seedConfidentialClient("s3cret", GrantTypeClientCredentials)

	_, oerr := env.srv.Token(env.ctx, &TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     "backend-service",
		ClientSecret: "nope",
	})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidClient, oerr.Code)
}

func TestToken_ClientCredentialsRejectedForPublicClient(t *testing.T) {
	env := newTestEnv(t)
	client := env.seedWebClient()
	client.GrantTypes = append(client.GrantTypes, GrantTypeClientCredentials)
	env.seedClient(client)

	_, oerr := env.srv.Token(env.ctx, &TokenRequest{
		GrantType: GrantTypeClientCredentials,
		ClientID:  "web-app",
	})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeUnauthorizedClient, oerr.Code)
}

func TestToken_PublicClientMustNotSendSecret(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid")

	_, oerr := env.srv.Token(env.ctx, &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: testVerifier,
		ClientID:     "web-app",
		ClientSecret: "should-not-be-here",
	})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidClient, oerr.Code)
}

func TestToken_GrantTypeNotAllowedForClient(t *testing.T) {
	env := newTestEnv(t)
	client := env.seedWebClient()
	client.GrantTypes = []string{GrantTypeAuthorizationCode}
	env.seedClient(client)

	code, _ := env.obtainCode("web-app", "openid offline_access")
	resp, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)
	assert.Empty(t, resp.RefreshToken, "no refresh token without the refresh_token grant")

	_, oerr = env.refresh("whatever")
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeUnauthorizedClient, oerr.Code)
}
