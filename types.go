package idp

// ProviderMetadata is the OpenID Provider discovery document served at
// /.well-known/openid-configuration (OIDC Discovery 1.0, RFC 8414).
type ProviderMetadata struct {
	// Issuer is the provider's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the URL of the provider's public key set
	JWKSURI string `json:"jwks_uri"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// DeviceAuthorizationEndpoint is the URL of the device authorization endpoint (RFC 8628)
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// PushedAuthorizationRequestEndpoint is the URL of the PAR endpoint (RFC 9126)
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// SubjectTypesSupported lists the subject identifier types supported
	SubjectTypesSupported []string `json:"subject_types_supported"`

	// IDTokenSigningAlgValuesSupported lists the JWS algorithms for ID tokens
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE challenge methods supported (RFC 7636)
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// ClaimsSupported lists the claims the provider may include in ID tokens
	ClaimsSupported []string `json:"claims_supported,omitempty"`

	// AuthorizationResponseIssParameterSupported signals RFC 9207 support
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported"`
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
