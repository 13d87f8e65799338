package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/idp/storage"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Application type constants (OIDC registration)
const (
	ApplicationTypeWeb    = "web"
	ApplicationTypeNative = "native"
)

// GetClient retrieves a client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, _, err := storage.Find[storage.Client](ctx, s.adapter, storage.KindClient, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("unknown client: %s", safeTruncate(clientID, 16))
	}
	return client, nil
}

// AuthenticateClient resolves and authenticates a client at the token
// endpoint. Public clients (auth method "none") present no secret;
// confidential clients must match their bcrypt-hashed secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *OAuthError) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.Public() {
		if clientSecret != "" {
			return nil, ErrInvalidClient("public client must not present a secret")
		}
		return client, nil
	}

	if client.SecretHash == "" {
		s.Logger.Error("Confidential client has no secret hash", "client_id", clientID)
		return nil, ErrInvalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "bad_client_secret")
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}

// clientAllowsGrantType reports whether the client is registered for the
// given grant type.
func clientAllowsGrantType(client *storage.Client, grantType string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// RegistrationRequest is the RFC 7591 subset accepted by dynamic client
// registration.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ApplicationType         string   `json:"application_type,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is returned on successful dynamic registration. The
// registration access token authorizes later management of the client.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ApplicationType         string   `json:"application_type"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
}

// RegisterClient performs dynamic client registration (RFC 7591), guarded by
// a single-use initial access token.
func (s *Server) RegisterClient(ctx context.Context, initialAccessToken string, req *RegistrationRequest) (*RegistrationResponse, *OAuthError) {
	rec, err := s.adapter.ConsumeOnce(ctx, storage.KindInitialAccessToken, initialAccessToken)
	if err != nil || rec == nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", "", "invalid_initial_access_token")
		}
		return nil, ErrInvalidToken("invalid initial access token")
	}

	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURISecurity(uri, s.Config.Issuer); err != nil {
			return nil, ErrInvalidRedirectURI(err.Error())
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodBasic
	}
	switch authMethod {
	case TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method: %s", authMethod))
	}

	applicationType := req.ApplicationType
	if applicationType == "" {
		applicationType = ApplicationTypeWeb
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client := &storage.Client{
		ID:                      generateRandomToken(),
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		ApplicationType:         applicationType,
		Name:                    req.ClientName,
		CreatedAt:               time.Now(),
	}
	if req.Scope != "" {
		client.Scopes = splitScope(req.Scope)
	}

	var clientSecret string
	if authMethod != TokenEndpointAuthMethodNone {
		clientSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to hash client secret")
		}
		client.SecretHash = string(hash)
	}

	if err := storage.Upsert(ctx, s.adapter, client, 0); err != nil {
		return nil, ErrServerError("failed to save client")
	}

	regToken := &storage.RegistrationAccessToken{
		JTI:      generateRandomToken(),
		ClientID: client.ID,
		IssuedAt: time.Now(),
	}
	if err := storage.Upsert(ctx, s.adapter, regToken, 0); err != nil {
		return nil, ErrServerError("failed to save registration access token")
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ID, applicationType, "")
	}
	s.Logger.Info("Registered new client",
		"client_id", client.ID,
		"client_name", client.Name,
		"token_endpoint_auth_method", authMethod,
		"application_type", applicationType)

	return &RegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            clientSecret,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ApplicationType:         client.ApplicationType,
		RegistrationAccessToken: regToken.JTI,
	}, nil
}

// ClientForRegistrationToken resolves the client a registration access token
// manages.
func (s *Server) ClientForRegistrationToken(ctx context.Context, token string) (*storage.Client, *OAuthError) {
	rat, _, err := storage.Find[storage.RegistrationAccessToken](ctx, s.adapter, storage.KindRegistrationAccessToken, token)
	if err != nil {
		return nil, ErrServerError("failed to load registration access token")
	}
	if rat == nil {
		return nil, ErrInvalidToken("invalid registration access token")
	}

	client, err := s.GetClient(ctx, rat.ClientID)
	if err != nil {
		return nil, ErrInvalidToken("invalid registration access token")
	}
	return client, nil
}

// MintInitialAccessToken creates a token that authorizes one dynamic client
// registration. Used by deployment bootstrap.
func (s *Server) MintInitialAccessToken(ctx context.Context) (string, error) {
	tok := &storage.InitialAccessToken{
		JTI:      generateRandomToken(),
		IssuedAt: time.Now(),
	}
	if err := storage.Upsert(ctx, s.adapter, tok, 0); err != nil {
		return "", fmt.Errorf("failed to save initial access token: %w", err)
	}
	return tok.JTI, nil
}
