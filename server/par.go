package server

import (
	"context"
	"strings"
	"time"

	"github.com/veridianlabs/idp/storage"
)

// RequestURIPrefix is the urn prefix for pushed request handles (RFC 9126).
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// PushedAuthorizationResponse is the PAR endpoint's JSON body.
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// PushAuthorizationRequest pre-registers an authorization request and hands
// back a single-use request_uri. The full request validation runs here, so a
// later authorize call with the handle starts from known-good parameters.
func (s *Server) PushAuthorizationRequest(ctx context.Context, clientID, clientSecret string, params *storage.AuthorizationParams) (*PushedAuthorizationResponse, *OAuthError) {
	client, oerr := s.AuthenticateClient(ctx, clientID, clientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if params.ClientID != "" && params.ClientID != client.ID {
		return nil, ErrInvalidRequest("client_id mismatch between authentication and request parameters")
	}
	params.ClientID = client.ID

	if oerr := s.validateAuthorizationParams(client, params); oerr != nil {
		return nil, oerr
	}

	par := &storage.PushedAuthorizationRequest{
		JTI:      generateRandomToken(),
		ClientID: client.ID,
		Params:   *params,
		IssuedAt: time.Now(),
	}
	ttl := s.TTL.PushedRequest()
	if err := storage.Upsert(ctx, s.adapter, par, ttl); err != nil {
		return nil, ErrServerError("failed to save pushed authorization request")
	}

	s.Logger.Debug("Pushed authorization request accepted",
		"client_id", client.ID,
		"request_uri_suffix", safeTruncate(par.JTI, 8))

	return &PushedAuthorizationResponse{
		RequestURI: RequestURIPrefix + par.JTI,
		ExpiresIn:  int64(ttl.Seconds()),
	}, nil
}

// ResolvePushedRequest consumes a request_uri handle and returns the stored
// authorization parameters. The handle is single-use.
func (s *Server) ResolvePushedRequest(ctx context.Context, clientID, requestURI string) (*storage.AuthorizationParams, *OAuthError) {
	jti, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok {
		return nil, ErrInvalidRequest("malformed request_uri")
	}

	rec, err := s.adapter.ConsumeOnce(ctx, storage.KindPushedAuthorizationRequest, jti)
	if err == storage.ErrConsumed {
		return nil, ErrInvalidRequest("request_uri already used")
	}
	if err != nil {
		return nil, ErrServerError("storage failure")
	}
	if rec == nil {
		return nil, ErrInvalidRequest("unknown or expired request_uri")
	}

	par, err := storage.Decode[storage.PushedAuthorizationRequest](rec)
	if err != nil {
		return nil, ErrServerError("corrupt pushed authorization request")
	}
	if par.ClientID != clientID {
		// SECURITY: a request_uri is bound to the pushing client.
		return nil, ErrInvalidRequest("request_uri does not belong to this client")
	}
	return &par.Params, nil
}

// Revoke implements RFC 7009 token revocation. Refresh tokens cascade to the
// whole grant; access tokens are destroyed individually. Unknown tokens
// succeed silently per the RFC.
func (s *Server) Revoke(ctx context.Context, clientID, clientSecret, token, tokenTypeHint string) *OAuthError {
	client, oerr := s.AuthenticateClient(ctx, clientID, clientSecret)
	if oerr != nil {
		return oerr
	}

	kinds := []storage.Kind{storage.KindRefreshToken, storage.KindAccessToken, storage.KindClientCredentials}
	if tokenTypeHint == "access_token" {
		kinds = []storage.Kind{storage.KindAccessToken, storage.KindClientCredentials, storage.KindRefreshToken}
	}

	for _, kind := range kinds {
		rec, err := s.adapter.Find(ctx, kind, token)
		if err != nil {
			return ErrServerError("storage failure")
		}
		if rec == nil {
			continue
		}

		// SECURITY: a client can only revoke its own tokens. Per RFC 7009 a
		// mismatch is indistinguishable from an unknown token.
		owner, err := storage.Decode[struct {
			ClientID string `json:"clientId"`
		}](rec)
		if err != nil || owner.ClientID != client.ID {
			return nil
		}

		switch kind {
		case storage.KindRefreshToken:
			if rec.GrantID != "" {
				if err := s.RevokeGrant(ctx, rec.GrantID); err != nil {
					return ErrServerError("failed to revoke grant")
				}
				return nil
			}
			if err := s.adapter.Destroy(ctx, kind, token); err != nil {
				return ErrServerError("failed to revoke token")
			}
		default:
			if err := s.adapter.Destroy(ctx, kind, token); err != nil {
				return ErrServerError("failed to revoke token")
			}
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked("", client.ID, "", "revocation_request")
			}
		}
		return nil
	}

	// Unknown token: the RFC mandates success.
	return nil
}
