package storage

import (
	"time"
)

// Client is a registered relying party.
type Client struct {
	ID                      string    `json:"clientId"`
	SecretHash              string    `json:"secretHash,omitempty"` // bcrypt hash, empty for public clients
	RedirectURIs            []string  `json:"redirectUris"`
	GrantTypes              []string  `json:"grantTypes"`
	ResponseTypes           []string  `json:"responseTypes"`
	TokenEndpointAuthMethod string    `json:"tokenEndpointAuthMethod"` // "none", "client_secret_basic", "client_secret_post"
	ApplicationType         string    `json:"applicationType"`         // "web" or "native"
	Name                    string    `json:"clientName,omitempty"`
	Scopes                  []string  `json:"scopes,omitempty"`
	AllowedCORSOrigins      []string  `json:"allowedCorsOrigins,omitempty"`
	AppType                 string    `json:"appType,omitempty"` // deployment tag, e.g. "spa", "regular_web", "tester"
	EnabledConnections      []string  `json:"enabledConnections,omitempty"`
	AccessTokenTTL          int64     `json:"accessTokenTtl,omitempty"` // seconds, overrides the policy default
	ReadOnly                bool      `json:"readonly,omitempty"`       // system-seeded, not editable via management plane
	CreatedAt               time.Time `json:"createdAt"`
}

func (c *Client) ArtifactKind() Kind { return KindClient }
func (c *Client) ArtifactID() string { return c.ID }

// Public reports whether the client authenticates at the token endpoint.
func (c *Client) Public() bool { return c.TokenEndpointAuthMethod == "none" }

// Tester reports whether the client is a privileged test client that may use
// every authentication connection rather than only its enabled ones.
func (c *Client) Tester() bool { return c.AppType == "tester" }

// Grant aggregates everything an account has authorized for a client. It is
// the only artifact other artifacts reference (by grant id); revoking it
// cascades to every referencing token and code.
type Grant struct {
	ID         string              `json:"grantId"`
	AccountID  string              `json:"accountId"`
	ClientID   string              `json:"clientId"`
	OIDCScope  []string            `json:"oidcScope,omitempty"`
	OIDCClaims []string            `json:"oidcClaims,omitempty"`
	Resources  map[string][]string `json:"resources,omitempty"` // resource indicator -> scopes
	CreatedAt  time.Time           `json:"createdAt"`
}

func (g *Grant) ArtifactKind() Kind      { return KindGrant }
func (g *Grant) ArtifactID() string      { return g.ID }
func (g *Grant) artifactGrantID() string { return g.ID }

// AddOIDCScope merges scope values into the grant, preserving order and
// dropping duplicates.
func (g *Grant) AddOIDCScope(scopes ...string) {
	g.OIDCScope = mergeUnique(g.OIDCScope, scopes)
}

// AddOIDCClaims merges claim names into the grant.
func (g *Grant) AddOIDCClaims(claims ...string) {
	g.OIDCClaims = mergeUnique(g.OIDCClaims, claims)
}

// AddResourceScope merges scopes for a resource indicator.
func (g *Grant) AddResourceScope(resource string, scopes ...string) {
	if g.Resources == nil {
		g.Resources = make(map[string][]string)
	}
	g.Resources[resource] = mergeUnique(g.Resources[resource], scopes)
}

// HasOIDCScope reports whether every requested scope is already granted.
func (g *Grant) HasOIDCScope(scopes ...string) bool {
	return containsAll(g.OIDCScope, scopes)
}

// HasOIDCClaims reports whether every requested claim is already granted.
func (g *Grant) HasOIDCClaims(claims ...string) bool {
	return containsAll(g.OIDCClaims, claims)
}

func mergeUnique(dst, src []string) []string {
	seen := make(map[string]bool, len(dst)+len(src))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range src {
		if v != "" && !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, v := range have {
		set[v] = true
	}
	for _, v := range want {
		if !set[v] {
			return false
		}
	}
	return true
}

// Session is a browser-level authenticated session, bound to a signed cookie
// and looked up by uid. Grants maps client id to the grant id the account
// extended to that client, so a returning session can skip consent.
type Session struct {
	UID       string            `json:"uid"`
	AccountID string            `json:"accountId"`
	Grants    map[string]string `json:"grants,omitempty"`
	LoginTS   time.Time         `json:"loginTs"`
}

// GrantFor returns the grant id the session holds for a client, if any.
func (s *Session) GrantFor(clientID string) string {
	return s.Grants[clientID]
}

// SetGrant records the grant id for a client on the session.
func (s *Session) SetGrant(clientID, grantID string) {
	if s.Grants == nil {
		s.Grants = make(map[string]string)
	}
	s.Grants[clientID] = grantID
}

func (s *Session) ArtifactKind() Kind  { return KindSession }
func (s *Session) ArtifactID() string  { return s.UID }
func (s *Session) artifactUID() string { return s.UID }

// PromptDetail carries what the issuance engine still needs from the user
// before the authorization can complete.
type PromptDetail struct {
	Name                  string              `json:"name"` // "login" or "consent"
	Reasons               []string            `json:"reasons,omitempty"`
	MissingOIDCScope      []string            `json:"missingOIDCScope,omitempty"`
	MissingOIDCClaims     []string            `json:"missingOIDCClaims,omitempty"`
	MissingResourceScopes map[string][]string `json:"missingResourceScopes,omitempty"`
}

// InteractionResult records how an interaction was resolved.
type InteractionResult struct {
	Login            *LoginResult   `json:"login,omitempty"`
	Consent          *ConsentResult `json:"consent,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorDescription string         `json:"error_description,omitempty"`
}

// LoginResult is set when the end-user authenticated.
type LoginResult struct {
	AccountID string `json:"accountId"`
}

// ConsentResult is set when the end-user approved (or extended) a grant.
type ConsentResult struct {
	GrantID string `json:"grantId"`
}

// Submission is the last form submission against an interaction, including
// any user-visible error to re-render. Error fields are shown once: they are
// cleared from the persisted record before the page renders them.
type Submission struct {
	UserError     string `json:"user_error,omitempty"`
	UserErrorDesc string `json:"user_error_desc,omitempty"`
	LastAction    string `json:"lastAction,omitempty"` // "login", "register", "federated"
	Connection    string `json:"connection,omitempty"`
	LoginHint     string `json:"login_hint,omitempty"`
}

// AuthorizationParams are the original authorization request parameters,
// persisted with the interaction so the flow can resume after user input.
type AuthorizationParams struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	Connection          string `json:"connection,omitempty"`
	Resource            string `json:"resource,omitempty"`
}

// Interaction is a pending, resumable authorization request awaiting
// end-user action. It is mutated on each submission and destroyed once the
// authorization it belongs to completes.
type Interaction struct {
	UID            string              `json:"uid"`
	Prompt         PromptDetail        `json:"prompt"`
	Params         AuthorizationParams `json:"params"`
	SessionUID     string              `json:"sessionUid,omitempty"`
	AccountID      string              `json:"accountId,omitempty"`
	Result         *InteractionResult  `json:"result,omitempty"`
	LastSubmission *Submission         `json:"lastSubmission,omitempty"`
	ReturnTo       string              `json:"returnTo"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func (i *Interaction) ArtifactKind() Kind { return KindInteraction }
func (i *Interaction) ArtifactID() string { return i.UID }

// AuthorizationCode is a single-use artifact exchanged at the token endpoint.
type AuthorizationCode struct {
	JTI                 string    `json:"jti"`
	ClientID            string    `json:"clientId"`
	GrantID             string    `json:"grantId"`
	AccountID           string    `json:"accountId"`
	RedirectURI         string    `json:"redirectUri"`
	Scope               string    `json:"scope"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	SessionUID          string    `json:"sessionUid,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	IssuedAt            time.Time `json:"issuedAt"`
}

func (c *AuthorizationCode) ArtifactKind() Kind      { return KindAuthorizationCode }
func (c *AuthorizationCode) ArtifactID() string      { return c.JTI }
func (c *AuthorizationCode) artifactGrantID() string { return c.GrantID }

// DeviceCode is the device-flow pairing artifact, polled by jti and approved
// by user code.
type DeviceCode struct {
	JTI       string    `json:"jti"`
	UserCode  string    `json:"userCode"`
	ClientID  string    `json:"clientId"`
	GrantID   string    `json:"grantId,omitempty"`
	AccountID string    `json:"accountId,omitempty"`
	Scope     string    `json:"scope"`
	Approved  bool      `json:"approved,omitempty"`
	Denied    bool      `json:"denied,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

func (d *DeviceCode) ArtifactKind() Kind       { return KindDeviceCode }
func (d *DeviceCode) ArtifactID() string       { return d.JTI }
func (d *DeviceCode) artifactGrantID() string  { return d.GrantID }
func (d *DeviceCode) artifactUserCode() string { return d.UserCode }

// PushedAuthorizationRequest stores a pre-registered authorization request
// (RFC 9126), addressed by the request_uri handed back to the client.
type PushedAuthorizationRequest struct {
	JTI      string              `json:"jti"`
	ClientID string              `json:"clientId"`
	Params   AuthorizationParams `json:"params"`
	IssuedAt time.Time           `json:"issuedAt"`
}

func (p *PushedAuthorizationRequest) ArtifactKind() Kind { return KindPushedAuthorizationRequest }
func (p *PushedAuthorizationRequest) ArtifactID() string { return p.JTI }

// BackchannelAuthenticationRequest is a CIBA request awaiting out-of-band
// end-user approval.
type BackchannelAuthenticationRequest struct {
	JTI       string    `json:"jti"`
	ClientID  string    `json:"clientId"`
	GrantID   string    `json:"grantId,omitempty"`
	AccountID string    `json:"accountId,omitempty"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issuedAt"`
}

func (b *BackchannelAuthenticationRequest) ArtifactKind() Kind {
	return KindBackchannelAuthenticationRequest
}
func (b *BackchannelAuthenticationRequest) ArtifactID() string      { return b.JTI }
func (b *BackchannelAuthenticationRequest) artifactGrantID() string { return b.GrantID }

// AccessToken is a bearer credential for resource access.
type AccessToken struct {
	JTI       string    `json:"jti"`
	ClientID  string    `json:"clientId"`
	GrantID   string    `json:"grantId"`
	AccountID string    `json:"accountId,omitempty"`
	Scope     string    `json:"scope"`
	Resource  string    `json:"resource,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

func (t *AccessToken) ArtifactKind() Kind      { return KindAccessToken }
func (t *AccessToken) ArtifactID() string      { return t.JTI }
func (t *AccessToken) artifactGrantID() string { return t.GrantID }

// ClientCredentialsToken is an access token issued without user involvement.
type ClientCredentialsToken struct {
	JTI      string    `json:"jti"`
	ClientID string    `json:"clientId"`
	Scope    string    `json:"scope"`
	Resource string    `json:"resource,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (t *ClientCredentialsToken) ArtifactKind() Kind { return KindClientCredentials }
func (t *ClientCredentialsToken) ArtifactID() string { return t.JTI }

// RefreshToken is the long-lived credential that mints new access tokens.
// Redemption consumes (not destroys) the token and issues a successor,
// preserving the rotation chain for replay detection.
type RefreshToken struct {
	JTI         string `json:"jti"`
	ClientID    string `json:"clientId"`
	GrantID     string `json:"grantId"`
	AccountID   string `json:"accountId"`
	Scope       string `json:"scope"`
	RotatedFrom string `json:"rotatedFrom,omitempty"` // jti of the predecessor in the chain
	// SenderConstrained marks DPoP/mTLS-bound tokens. The exact binding
	// mechanism is deployment configuration; the TTL policy only needs the
	// boolean.
	SenderConstrained bool      `json:"senderConstrained,omitempty"`
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"` // duplicated into the payload for remaining-TTL math
}

func (t *RefreshToken) ArtifactKind() Kind      { return KindRefreshToken }
func (t *RefreshToken) ArtifactID() string      { return t.JTI }
func (t *RefreshToken) artifactGrantID() string { return t.GrantID }

// ReplayDetection is an anti-replay marker created alongside a single-use
// artifact and checked before reuse.
type ReplayDetection struct {
	JTI      string    `json:"jti"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (r *ReplayDetection) ArtifactKind() Kind { return KindReplayDetection }
func (r *ReplayDetection) ArtifactID() string { return r.JTI }

// InitialAccessToken authorizes dynamic client registration.
type InitialAccessToken struct {
	JTI      string    `json:"jti"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (t *InitialAccessToken) ArtifactKind() Kind { return KindInitialAccessToken }
func (t *InitialAccessToken) ArtifactID() string { return t.JTI }

// RegistrationAccessToken authorizes management of a dynamically registered
// client.
type RegistrationAccessToken struct {
	JTI      string    `json:"jti"`
	ClientID string    `json:"clientId"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (t *RegistrationAccessToken) ArtifactKind() Kind { return KindRegistrationAccessToken }
func (t *RegistrationAccessToken) ArtifactID() string { return t.JTI }
