package server

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/storage"
)

func (e *testEnv) seedDeviceClient() *storage.Client {
	client := &storage.Client{
		ID:                      "tv-app",
		GrantTypes:              []string{GrantTypeDeviceCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ApplicationType:         ApplicationTypeNative,
		Name:                    "TV App",
	}
	e.seedClient(client)
	return client
}

func (e *testEnv) pollDevice(deviceCode string) (*TokenResponse, *OAuthError) {
	return e.srv.Token(e.ctx, &TokenRequest{
		GrantType:  GrantTypeDeviceCode,
		DeviceCode: deviceCode,
		ClientID:   "tv-app",
	})
}

func TestDeviceAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeviceClient()

	resp, oerr := env.srv.DeviceAuthorization(env.ctx, "tv-app", "", "openid")
	require.Nil(t, oerr)

	assert.NotEmpty(t, resp.DeviceCode)
	assert.Regexp(t, regexp.MustCompile(`^[BCDFGHJKMNPQRSTVWXYZ23456789]{4}-[BCDFGHJKMNPQRSTVWXYZ23456789]{4}$`), resp.UserCode)
	assert.Equal(t, testIssuer+"/device", resp.VerificationURI)
	assert.True(t, strings.HasPrefix(resp.VerificationURIComplete, resp.VerificationURI+"?user_code="))
	assert.Equal(t, int64(600), resp.ExpiresIn)
	assert.Equal(t, int64(5), resp.Interval)
}

func TestDeviceAuthorization_GrantTypeNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	_, oerr := env.srv.DeviceAuthorization(env.ctx, "web-app", "", "openid")
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeUnauthorizedClient, oerr.Code)
}

func TestDeviceFlow_ApproveAndRedeem(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeviceClient()
	accountID := accounts.AccountID("main-db", testEmail)

	resp, oerr := env.srv.DeviceAuthorization(env.ctx, "tv-app", "", "openid")
	require.Nil(t, oerr)

	// Polling before approval.
	_, oerr = env.pollDevice(resp.DeviceCode)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeAuthorizationPending, oerr.Code)

	require.Nil(t, env.srv.ApproveDevice(env.ctx, resp.UserCode, accountID))

	tokens, oerr := env.pollDevice(resp.DeviceCode)
	require.Nil(t, oerr)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)

	// The code is single-redemption.
	_, oerr = env.pollDevice(resp.DeviceCode)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)
}

func TestDeviceFlow_Deny(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeviceClient()

	resp, oerr := env.srv.DeviceAuthorization(env.ctx, "tv-app", "", "openid")
	require.Nil(t, oerr)

	require.Nil(t, env.srv.DenyDevice(env.ctx, resp.UserCode))

	_, oerr = env.pollDevice(resp.DeviceCode)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeAccessDenied, oerr.Code)

	// The denial destroyed the code; further polling sees an expired token.
	_, oerr = env.pollDevice(resp.DeviceCode)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeExpiredToken, oerr.Code)
}

func TestDeviceFlow_ApproveTwice(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeviceClient()
	accountID := accounts.AccountID("main-db", testEmail)

	resp, oerr := env.srv.DeviceAuthorization(env.ctx, "tv-app", "", "openid")
	require.Nil(t, oerr)

	require.Nil(t, env.srv.ApproveDevice(env.ctx, resp.UserCode, accountID))

	oerr = env.srv.ApproveDevice(env.ctx, resp.UserCode, accountID)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRequest, oerr.Code)

	oerr = env.srv.DenyDevice(env.ctx, resp.UserCode)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRequest, oerr.Code)
}

func TestDeviceFlow_UnknownUserCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeviceClient()

	oerr := env.srv.ApproveDevice(env.ctx, "XXXX-XXXX", "some-account")
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRequest, oerr.Code)
}

func TestDeviceFlow_ClientMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeviceClient()

	other := &storage.Client{
		ID:                      "other-tv",
		GrantTypes:              []string{GrantTypeDeviceCode},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ApplicationType:         ApplicationTypeNative,
	}
	env.seedClient(other)

	resp, oerr := env.srv.DeviceAuthorization(env.ctx, "tv-app", "", "openid")
	require.Nil(t, oerr)

	_, oerr = env.srv.Token(env.ctx, &TokenRequest{
		GrantType:  GrantTypeDeviceCode,
		DeviceCode: resp.DeviceCode,
		ClientID:   "other-tv",
	})
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)
}
