package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/idp/storage"
)

func TestPushAuthorizationRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	resp, oerr := env.srv.PushAuthorizationRequest(env.ctx, "web-app", "",
		env.authParams("web-app", "openid"))
	require.Nil(t, oerr)

	assert.True(t, strings.HasPrefix(resp.RequestURI, RequestURIPrefix))
	assert.Equal(t, int64(60), resp.ExpiresIn)

	params, oerr := env.srv.ResolvePushedRequest(env.ctx, "web-app", resp.RequestURI)
	require.Nil(t, oerr)
	assert.Equal(t, "openid", params.Scope)
	assert.Equal(t, testRedirect, params.RedirectURI)
	assert.Equal(t, "af0ifjsldkj", params.State)
}

func TestPushAuthorizationRequest_InvalidParamsRejectedAtPush(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	params := env.authParams("web-app", "openid")
	params.RedirectURI = "https://evil.example.com/cb"

	_, oerr := env.srv.PushAuthorizationRequest(env.ctx, "web-app", "", params)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRedirectURI, oerr.Code)
}

func TestResolvePushedRequest_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	resp, oerr := env.srv.PushAuthorizationRequest(env.ctx, "web-app", "",
		env.authParams("web-app", "openid"))
	require.Nil(t, oerr)

	_, oerr = env.srv.ResolvePushedRequest(env.ctx, "web-app", resp.RequestURI)
	require.Nil(t, oerr)

	_, oerr = env.srv.ResolvePushedRequest(env.ctx, "web-app", resp.RequestURI)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRequest, oerr.Code)
}

func TestResolvePushedRequest_BoundToPushingClient(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()
	env.seedClient(&storage.Client{
		ID:                      "other-app",
		RedirectURIs:            []string{testRedirect},
		GrantTypes:              []string{GrantTypeAuthorizationCode},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ApplicationType:         ApplicationTypeWeb,
	})

	resp, oerr := env.srv.PushAuthorizationRequest(env.ctx, "web-app", "",
		env.authParams("web-app", "openid"))
	require.Nil(t, oerr)

	_, oerr = env.srv.ResolvePushedRequest(env.ctx, "other-app", resp.RequestURI)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRequest, oerr.Code)
}

func TestResolvePushedRequest_MalformedURI(t *testing.T) {
	env := newTestEnv(t)

	_, oerr := env.srv.ResolvePushedRequest(env.ctx, "web-app", "https://not-a-urn")
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidRequest, oerr.Code)
}

func TestRevoke_RefreshTokenCascades(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid offline_access")
	tokens, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)

	require.Nil(t, env.srv.Revoke(env.ctx, "web-app", "", tokens.RefreshToken, "refresh_token"))

	// The cascade removed the access token artifact too.
	rec, err := env.adapter.Find(env.ctx, storage.KindAccessToken, tokens.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, oerr = env.refresh(tokens.RefreshToken)
	require.NotNil(t, oerr)
	assert.Equal(t, ErrorCodeInvalidGrant, oerr.Code)
}

func TestRevoke_AccessTokenOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	code, _ := env.obtainCode("web-app", "openid offline_access")
	tokens, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)

	require.Nil(t, env.srv.Revoke(env.ctx, "web-app", "", tokens.AccessToken, "access_token"))

	rec, err := env.adapter.Find(env.ctx, storage.KindAccessToken, tokens.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The refresh token survives an access-token revocation.
	_, oerr = env.refresh(tokens.RefreshToken)
	assert.Nil(t, oerr)
}

func TestRevoke_UnknownTokenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()

	assert.Nil(t, env.srv.Revoke(env.ctx, "web-app", "", "no-such-token", ""))
}

func TestRevoke_OtherClientsTokenIsUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedWebClient()
	env.seedClient(&storage.Client{
		ID:                      "other-app",
		RedirectURIs:            []string{testRedirect},
		GrantTypes:              []string{GrantTypeAuthorizationCode},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ApplicationType:         ApplicationTypeWeb,
	})

	code, _ := env.obtainCode("web-app", "openid offline_access")
	tokens, oerr := env.exchangeCode(code)
	require.Nil(t, oerr)

	// RFC 7009: indistinguishable from an unknown token, and a no-op.
	require.Nil(t, env.srv.Revoke(env.ctx, "other-app", "", tokens.RefreshToken, "refresh_token"))

	_, oerr = env.refresh(tokens.RefreshToken)
	assert.Nil(t, oerr, "another client's revocation attempt must not kill the token")
}
