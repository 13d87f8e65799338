package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/veridianlabs/idp/keystore"
	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/storage"
)

// Grant type identifiers accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// idTokenTTL is the validity window of issued ID tokens.
const idTokenTTL = time.Hour

// TokenRequest is the form-decoded token endpoint request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scope        string
	Resource     string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the token endpoint's JSON success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token dispatches a token endpoint request to its grant handler.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *OAuthError) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, req)
	case GrantTypeClientCredentials:
		return s.clientCredentialsGrant(ctx, req)
	case GrantTypeDeviceCode:
		return s.deviceCodeGrant(ctx, req)
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type: " + req.GrantType)
	}
}

// exchangeAuthorizationCode redeems a single-use authorization code.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, *OAuthError) {
	client, oerr := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrantType(client, GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client is not authorized for the authorization_code grant")
	}

	// SECURITY: atomic check-and-mark; two concurrent redemptions of the
	// same code must never both succeed.
	rec, err := s.adapter.ConsumeOnce(ctx, storage.KindAuthorizationCode, req.Code)
	if err == storage.ErrConsumed {
		s.handleCodeReplay(ctx, req.Code, client.ID)
		return nil, ErrInvalidGrant("invalid grant")
	}
	if err != nil {
		s.emit(ctx, Event{Kind: EventServerError, ClientID: client.ID, Err: err})
		return nil, ErrServerError("storage failure")
	}
	if rec == nil {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "unknown_or_expired",
			"client_id", client.ID,
			"code_prefix", safeTruncate(req.Code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ID, "", "invalid_authorization_code")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	code, err := storage.Decode[storage.AuthorizationCode](rec)
	if err != nil {
		return nil, ErrServerError("corrupt authorization code")
	}

	if code.ClientID != client.ID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", code.ClientID,
			"provided_client_id", client.ID,
			"code_prefix", safeTruncate(req.Code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ID, "", "client_id_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}
	if code.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ID,
			"code_prefix", safeTruncate(req.Code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ID, "", "redirect_uri_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidPKCE(client.ID, "", err.Error())
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	grant, lerr := s.loadGrant(ctx, code.GrantID)
	if lerr != nil {
		return nil, ErrServerError("failed to load grant")
	}
	if grant == nil {
		// Grant revoked or expired between issuance and redemption.
		return nil, ErrInvalidGrant("invalid grant")
	}

	return s.issueTokens(ctx, client, grant, code.AccountID, code.Scope, code.Nonce, code.Resource)
}

// handleCodeReplay reacts to a second redemption of an authorization code.
// The code's whole grant is revoked: a replayed code means the original
// redemption, and every token it minted, may be in an attacker's hands.
func (s *Server) handleCodeReplay(ctx context.Context, code, clientID string) {
	rec, err := s.adapter.Find(ctx, storage.KindAuthorizationCode, code)
	if err != nil || rec == nil {
		return
	}

	if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(rec.GrantID+":"+clientID) {
		s.Logger.Error("Authorization code reuse detected - revoking grant",
			"client_id", clientID,
			"grant_id", safeTruncate(rec.GrantID, 8))
	}

	if rec.GrantID != "" {
		if err := s.RevokeGrant(ctx, rec.GrantID); err != nil {
			s.Logger.Error("Failed to revoke grant after code reuse", "error", err)
		}
	}
	_ = s.adapter.Destroy(ctx, storage.KindAuthorizationCode, code)

	s.emit(ctx, Event{Kind: EventCodeReplay, ClientID: clientID, GrantID: rec.GrantID})
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "authorization_code_reuse")
	}
}

// refreshAccessToken redeems a refresh token, rotating it.
func (s *Server) refreshAccessToken(ctx context.Context, req *TokenRequest) (*TokenResponse, *OAuthError) {
	client, oerr := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrantType(client, GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client is not authorized for the refresh_token grant")
	}

	// SECURITY: the atomic consume is the synchronization point; only one
	// concurrent redemption of a refresh token can succeed.
	rec, err := s.adapter.ConsumeOnce(ctx, storage.KindRefreshToken, req.RefreshToken)
	if err == storage.ErrConsumed {
		s.handleRefreshReplay(ctx, req.RefreshToken, client.ID)
		return nil, ErrInvalidGrant("invalid grant")
	}
	if err != nil {
		s.emit(ctx, Event{Kind: EventServerError, ClientID: client.ID, Err: err})
		return nil, ErrServerError("storage failure")
	}
	if rec == nil {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "unknown_or_expired",
			"client_id", client.ID,
			"token_prefix", safeTruncate(req.RefreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ID, "", "invalid_refresh_token")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	old, err := storage.Decode[storage.RefreshToken](rec)
	if err != nil {
		return nil, ErrServerError("corrupt refresh token")
	}
	if old.ClientID != client.ID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(old.AccountID, client.ID, "", "refresh_token_client_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}
	// The record-level soft expiry already filters dead tokens; this check
	// covers the artifact's own expiry with clock-skew grace.
	if security.IsTokenExpired(old.ExpiresAt) {
		return nil, ErrInvalidGrant("invalid grant")
	}

	grant, lerr := s.loadGrant(ctx, old.GrantID)
	if lerr != nil {
		return nil, ErrServerError("failed to load grant")
	}
	if grant == nil {
		return nil, ErrInvalidGrant("invalid grant")
	}

	now := time.Now()
	resp := &TokenResponse{TokenType: "Bearer", Scope: old.Scope}

	if s.Config.RotateRefreshTokens {
		ttl := s.TTL.RefreshToken(client, old, old.SenderConstrained, now)
		if ttl <= 0 {
			return nil, ErrInvalidGrant("invalid grant")
		}

		next := &storage.RefreshToken{
			JTI:               generateRandomToken(),
			ClientID:          client.ID,
			GrantID:           old.GrantID,
			AccountID:         old.AccountID,
			Scope:             old.Scope,
			RotatedFrom:       old.JTI,
			SenderConstrained: old.SenderConstrained,
			IssuedAt:          now,
			ExpiresAt:         now.Add(ttl),
		}
		if err := storage.Upsert(ctx, s.adapter, next, ttl); err != nil {
			return nil, ErrServerError("failed to save refresh token")
		}

		// Anti-replay marker for the consumed predecessor; kept as long as
		// the predecessor could still be presented.
		marker := &storage.ReplayDetection{JTI: old.JTI, IssuedAt: now}
		if err := storage.Upsert(ctx, s.adapter, marker, ttl); err != nil {
			s.Logger.Warn("Failed to save replay detection marker", "error", err)
		}

		resp.RefreshToken = next.JTI
		s.Logger.Info("Refresh token rotated",
			"account_id", old.AccountID,
			"client_id", client.ID,
			"token_prefix", safeTruncate(next.JTI, 8))
	} else {
		// Rotation disabled: un-consume by re-saving with the remaining TTL.
		remaining := old.ExpiresAt.Sub(now)
		if remaining <= 0 {
			return nil, ErrInvalidGrant("invalid grant")
		}
		if err := storage.Upsert(ctx, s.adapter, old, remaining); err != nil {
			return nil, ErrServerError("failed to save refresh token")
		}
		resp.RefreshToken = old.JTI
		s.Logger.Warn("Refresh token reused (rotation disabled)", "account_id", old.AccountID)
	}

	access, oerr := s.mintAccessToken(ctx, client, grant, old.AccountID, old.Scope, req.Resource)
	if oerr != nil {
		return nil, oerr
	}
	resp.AccessToken = access.JTI
	resp.ExpiresIn = int64(s.TTL.AccessToken(client).Seconds())

	if hasScope(old.Scope, "openid") {
		idToken, oerr := s.signIDToken(ctx, client, old.AccountID, old.Scope, "")
		if oerr != nil {
			return nil, oerr
		}
		resp.IDToken = idToken
	}

	s.emit(ctx, Event{Kind: EventTokenIssued, ClientID: client.ID, AccountID: old.AccountID, GrantID: grant.ID,
		Details: map[string]any{"grant_type": GrantTypeRefreshToken}})
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(old.AccountID, client.ID, "", s.Config.RotateRefreshTokens)
	}
	return resp, nil
}

// handleRefreshReplay reacts to redemption of an already-rotated refresh
// token: the whole grant chain is revoked.
func (s *Server) handleRefreshReplay(ctx context.Context, token, clientID string) {
	rec, err := s.adapter.Find(ctx, storage.KindRefreshToken, token)
	if err != nil || rec == nil {
		return
	}

	if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(rec.GrantID+":"+clientID) {
		s.Logger.Error("Refresh token reuse detected - token was rotated but presented again",
			"client_id", clientID,
			"grant_id", safeTruncate(rec.GrantID, 8))
	}

	if rec.GrantID != "" {
		if err := s.RevokeGrant(ctx, rec.GrantID); err != nil {
			s.Logger.Error("Failed to revoke grant after refresh token reuse", "error", err)
		}
	}

	s.emit(ctx, Event{Kind: EventRefreshReplay, ClientID: clientID, GrantID: rec.GrantID})
	if s.Auditor != nil {
		s.Auditor.LogTokenReuse("", clientID)
	}
}

// clientCredentialsGrant issues a token without user involvement.
func (s *Server) clientCredentialsGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, *OAuthError) {
	client, oerr := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if client.Public() {
		return nil, ErrUnauthorizedClient("public clients cannot use the client_credentials grant")
	}
	if !clientAllowsGrantType(client, GrantTypeClientCredentials) {
		return nil, ErrUnauthorizedClient("client is not authorized for the client_credentials grant")
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	ttl := s.TTL.ClientCredentials(client)
	token := &storage.ClientCredentialsToken{
		JTI:      generateRandomToken(),
		ClientID: client.ID,
		Scope:    req.Scope,
		Resource: req.Resource,
		IssuedAt: time.Now(),
	}
	if err := storage.Upsert(ctx, s.adapter, token, ttl); err != nil {
		return nil, ErrServerError("failed to save token")
	}

	s.emit(ctx, Event{Kind: EventTokenIssued, ClientID: client.ID,
		Details: map[string]any{"grant_type": GrantTypeClientCredentials}})
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ID, "", req.Scope)
	}

	return &TokenResponse{
		AccessToken: token.JTI,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       req.Scope,
	}, nil
}

// issueTokens mints the access/refresh/ID token set for a user-bound grant.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, grant *storage.Grant, accountID, scope, nonce, resource string) (*TokenResponse, *OAuthError) {
	access, oerr := s.mintAccessToken(ctx, client, grant, accountID, scope, resource)
	if oerr != nil {
		return nil, oerr
	}

	resp := &TokenResponse{
		AccessToken: access.JTI,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.TTL.AccessToken(client).Seconds()),
		Scope:       scope,
	}

	if clientAllowsGrantType(client, GrantTypeRefreshToken) {
		now := time.Now()
		ttl := s.TTL.RefreshToken(client, nil, false, now)
		refresh := &storage.RefreshToken{
			JTI:       generateRandomToken(),
			ClientID:  client.ID,
			GrantID:   grant.ID,
			AccountID: accountID,
			Scope:     scope,
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
		}
		if err := storage.Upsert(ctx, s.adapter, refresh, ttl); err != nil {
			return nil, ErrServerError("failed to save refresh token")
		}
		resp.RefreshToken = refresh.JTI
	}

	if hasScope(scope, "openid") {
		idToken, oerr := s.signIDToken(ctx, client, accountID, scope, nonce)
		if oerr != nil {
			return nil, oerr
		}
		resp.IDToken = idToken
	}

	s.emit(ctx, Event{Kind: EventTokenIssued, ClientID: client.ID, AccountID: accountID, GrantID: grant.ID,
		Details: map[string]any{"grant_type": GrantTypeAuthorizationCode}})
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(accountID, client.ID, "", scope)
	}
	return resp, nil
}

// mintAccessToken persists a new access token artifact.
func (s *Server) mintAccessToken(ctx context.Context, client *storage.Client, grant *storage.Grant, accountID, scope, resource string) (*storage.AccessToken, *OAuthError) {
	token := &storage.AccessToken{
		JTI:       generateRandomToken(),
		ClientID:  client.ID,
		GrantID:   grant.ID,
		AccountID: accountID,
		Scope:     scope,
		Resource:  resource,
		IssuedAt:  time.Now(),
	}
	if err := storage.Upsert(ctx, s.adapter, token, s.TTL.AccessToken(client)); err != nil {
		return nil, ErrServerError("failed to save access token")
	}
	return token, nil
}

// signIDToken builds and signs the ID token with the newest ES256 key. The
// iss claim is always the configured issuer.
func (s *Server) signIDToken(ctx context.Context, client *storage.Client, accountID, scope, nonce string) (string, *OAuthError) {
	now := time.Now()
	claims := map[string]any{
		"iss": s.Config.Issuer,
		"sub": accountID,
		"aud": client.ID,
		"iat": now.Unix(),
		"exp": now.Add(idTokenTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	// Profile claims are loaded lazily and scoped to what was granted.
	if account, err := s.accounts.Get(ctx, accountID); err == nil {
		if hasScope(scope, "email") && account.Email != "" {
			claims["email"] = account.Email
			if verified, ok := account.Claims["email_verified"]; ok {
				claims["email_verified"] = verified
			}
		}
		if hasScope(scope, "profile") {
			for _, name := range []string{"name", "picture", "locale"} {
				if v, ok := account.Claims[name]; ok {
					claims[name] = v
				}
			}
		}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", ErrServerError("failed to serialize ID token claims")
	}

	key, err := s.keys.SigningKey(ctx, keystore.AlgES256)
	if err != nil {
		s.emit(ctx, Event{Kind: EventServerError, ClientID: client.ID, Err: err})
		return "", ErrServerError("signing key unavailable")
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256(), key))
	if err != nil {
		return "", ErrServerError("failed to sign ID token")
	}
	return string(signed), nil
}

// hasScope reports whether a space-delimited scope string contains a value.
func hasScope(scope, want string) bool {
	for _, v := range splitScope(scope) {
		if v == want {
			return true
		}
	}
	return false
}
