package server

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/veridianlabs/idp/storage"
)

// userCodeCharset deliberately omits ambiguous characters (0/O, 1/I/L).
const userCodeCharset = "BCDFGHJKMNPQRSTVWXYZ23456789"

// DeviceAuthorizationResponse is the device authorization endpoint's JSON
// body (RFC 8628 section 3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// DeviceAuthorization starts a device flow pairing for a client.
func (s *Server) DeviceAuthorization(ctx context.Context, clientID, clientSecret, scope string) (*DeviceAuthorizationResponse, *OAuthError) {
	client, oerr := s.AuthenticateClient(ctx, clientID, clientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrantType(client, GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("client is not authorized for the device_code grant")
	}

	if err := s.validateScopes(scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	userCode, err := generateUserCode()
	if err != nil {
		return nil, ErrServerError("failed to generate user code")
	}

	dc := &storage.DeviceCode{
		JTI:      generateRandomToken(),
		UserCode: userCode,
		ClientID: client.ID,
		Scope:    scope,
		IssuedAt: time.Now(),
	}
	ttl := s.TTL.DeviceCode()
	if err := storage.Upsert(ctx, s.adapter, dc, ttl); err != nil {
		return nil, ErrServerError("failed to save device code")
	}

	s.Logger.Info("Device authorization started",
		"client_id", client.ID,
		"user_code", userCode,
		"device_code_prefix", safeTruncate(dc.JTI, 8))

	verificationURI := s.Config.Issuer + "/device"
	return &DeviceAuthorizationResponse{
		DeviceCode:              dc.JTI,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(ttl.Seconds()),
		Interval:                s.Config.DeviceCodeInterval,
	}, nil
}

// generateUserCode builds a short human-typable code in XXXX-XXXX form.
func generateUserCode() (string, error) {
	buf := make([]byte, 9)
	max := big.NewInt(int64(len(userCodeCharset)))
	for i := range buf {
		if i == 4 {
			buf[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = userCodeCharset[n.Int64()]
	}
	return string(buf), nil
}

// ApproveDevice binds an authenticated account to a pending device code. The
// record is re-saved with its remaining lifetime; approval never extends the
// pairing window.
func (s *Server) ApproveDevice(ctx context.Context, userCode, accountID string) *OAuthError {
	rec, err := s.adapter.FindByUserCode(ctx, userCode)
	if err != nil {
		return ErrServerError("storage failure")
	}
	if rec == nil || rec.Kind != storage.KindDeviceCode {
		return ErrInvalidRequest("unknown or expired user code")
	}
	dc, err := storage.Decode[storage.DeviceCode](rec)
	if err != nil {
		return ErrServerError("corrupt device code")
	}
	if dc.Approved || dc.Denied {
		return ErrInvalidRequest("user code already handled")
	}

	g := s.newGrant(accountID, dc.ClientID)
	g.AddOIDCScope(splitScope(dc.Scope)...)
	if err := s.saveGrant(ctx, g); err != nil {
		return ErrServerError("failed to save grant")
	}

	dc.Approved = true
	dc.AccountID = accountID
	dc.GrantID = g.ID

	remaining := time.Until(rec.ExpiresAt)
	if remaining <= 0 {
		return ErrInvalidRequest("unknown or expired user code")
	}
	if err := storage.Upsert(ctx, s.adapter, dc, remaining); err != nil {
		return ErrServerError("failed to save device code")
	}

	s.emit(ctx, Event{Kind: EventGrantSuccess, ClientID: dc.ClientID, AccountID: accountID, GrantID: g.ID,
		Details: map[string]any{"flow": "device"}})
	s.Logger.Info("Device code approved",
		"client_id", dc.ClientID,
		"account_id", accountID,
		"user_code", userCode)
	return nil
}

// DenyDevice marks a pending device code as denied by the end-user.
func (s *Server) DenyDevice(ctx context.Context, userCode string) *OAuthError {
	rec, err := s.adapter.FindByUserCode(ctx, userCode)
	if err != nil {
		return ErrServerError("storage failure")
	}
	if rec == nil || rec.Kind != storage.KindDeviceCode {
		return ErrInvalidRequest("unknown or expired user code")
	}
	dc, err := storage.Decode[storage.DeviceCode](rec)
	if err != nil {
		return ErrServerError("corrupt device code")
	}
	if dc.Approved || dc.Denied {
		return ErrInvalidRequest("user code already handled")
	}

	dc.Denied = true
	remaining := time.Until(rec.ExpiresAt)
	if remaining <= 0 {
		return ErrInvalidRequest("unknown or expired user code")
	}
	if err := storage.Upsert(ctx, s.adapter, dc, remaining); err != nil {
		return ErrServerError("failed to save device code")
	}

	s.Logger.Info("Device code denied", "client_id", dc.ClientID, "user_code", userCode)
	return nil
}

// deviceCodeGrant is the token endpoint handler for the device flow. Devices
// poll it until the user approves or the pairing expires.
func (s *Server) deviceCodeGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, *OAuthError) {
	client, oerr := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrantType(client, GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("client is not authorized for the device_code grant")
	}

	dc, rec, err := storage.Find[storage.DeviceCode](ctx, s.adapter, storage.KindDeviceCode, req.DeviceCode)
	if err != nil {
		return nil, ErrServerError("storage failure")
	}
	if dc == nil {
		return nil, ErrExpiredToken("device code expired or unknown")
	}
	if rec.Consumed() {
		return nil, ErrInvalidGrant("invalid grant")
	}
	if dc.ClientID != client.ID {
		return nil, ErrInvalidGrant("invalid grant")
	}
	if dc.Denied {
		_ = s.adapter.Destroy(ctx, storage.KindDeviceCode, dc.JTI)
		return nil, ErrAccessDenied("end-user denied the device authorization")
	}
	if !dc.Approved {
		return nil, ErrAuthorizationPending("authorization request is still pending")
	}

	// SECURITY: atomic; two polling devices can never both redeem an
	// approved code.
	consumed, err := s.adapter.ConsumeOnce(ctx, storage.KindDeviceCode, dc.JTI)
	if err == storage.ErrConsumed || (err == nil && consumed == nil) {
		return nil, ErrInvalidGrant("invalid grant")
	}
	if err != nil {
		return nil, ErrServerError("storage failure")
	}

	grant, lerr := s.loadGrant(ctx, dc.GrantID)
	if lerr != nil {
		return nil, ErrServerError("failed to load grant")
	}
	if grant == nil {
		return nil, ErrInvalidGrant("invalid grant")
	}

	resp, oerr := s.issueTokens(ctx, client, grant, dc.AccountID, dc.Scope, "", "")
	if oerr != nil {
		return nil, oerr
	}
	return resp, nil
}
