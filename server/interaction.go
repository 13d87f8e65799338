package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/storage"
)

// InteractionView is what the interaction pages render: the prompt, the
// client identity, the connections the end-user may authenticate through,
// and any error from the previous submission.
type InteractionView struct {
	UID         string
	Prompt      storage.PromptDetail
	ClientID    string
	ClientName  string
	Scope       string
	LoginHint   string
	Connections []accounts.Connection
	CanRegister bool

	// Error fields from the last submission, shown exactly once.
	Error            string
	ErrorDescription string
	LastAction       string

	// RedirectTo is set instead of a renderable view when the lookup itself
	// resolved the interaction (e.g. an invalid connection parameter).
	RedirectTo string
}

// GetInteraction loads the render state for an interaction page. A connection
// query parameter, or the connection the RP pinned on the authorization
// request, narrows the offered connections; an unknown or disallowed value
// resolves the interaction with access_denied rather than exposing which
// connections exist.
func (s *Server) GetInteraction(ctx context.Context, uid, connection string) (*InteractionView, *OAuthError) {
	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return nil, ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return nil, ErrInvalidRequest("unknown or expired interaction")
	}

	client, err := s.GetClient(ctx, interaction.Params.ClientID)
	if err != nil {
		return nil, ErrInvalidRequest("unknown client")
	}

	// The query parameter wins over the RP's request-time choice.
	if connection == "" {
		connection = interaction.Params.Connection
	}

	offered := s.enabledConnections(client)
	if connection != "" {
		narrowed := filterConnections(offered, connection)
		if len(narrowed) == 0 {
			if oerr := s.resolveInteraction(ctx, interaction, rec, &storage.InteractionResult{
				Error:            ErrorCodeAccessDenied,
				ErrorDescription: "requested connection is not available",
			}); oerr != nil {
				return nil, oerr
			}
			return &InteractionView{UID: uid, RedirectTo: interaction.ReturnTo}, nil
		}
		offered = narrowed
	}

	view := &InteractionView{
		UID:         uid,
		Prompt:      interaction.Prompt,
		ClientID:    client.ID,
		ClientName:  client.Name,
		Scope:       interaction.Params.Scope,
		Connections: offered,
		CanRegister: anyRegisterable(offered),
	}

	// Submission errors render once; the persisted copy is cleared so a page
	// reload does not re-show a stale failure.
	if sub := interaction.LastSubmission; sub != nil {
		view.Error = sub.UserError
		view.ErrorDescription = sub.UserErrorDesc
		view.LastAction = sub.LastAction
		view.LoginHint = sub.LoginHint

		if sub.UserError != "" {
			sub.UserError = ""
			sub.UserErrorDesc = ""
			if err := s.saveInteraction(ctx, interaction, rec); err != nil {
				return nil, ErrServerError("failed to save interaction")
			}
		}
	}

	return view, nil
}

// enabledConnections returns the connections a client may offer. Tester
// clients and clients with no explicit enablement see every configured
// connection.
func (s *Server) enabledConnections(client *storage.Client) []accounts.Connection {
	if client.Tester() || len(client.EnabledConnections) == 0 {
		return s.connections
	}
	var out []accounts.Connection
	for _, conn := range s.connections {
		for _, name := range client.EnabledConnections {
			if conn.Name == name {
				out = append(out, conn)
				break
			}
		}
	}
	return out
}

func filterConnections(conns []accounts.Connection, name string) []accounts.Connection {
	var out []accounts.Connection
	for _, c := range conns {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func anyRegisterable(conns []accounts.Connection) bool {
	for _, c := range conns {
		if c.Registerable() {
			return true
		}
	}
	return false
}

// saveInteraction re-persists an interaction with its remaining lifetime;
// submissions never extend the interaction window.
func (s *Server) saveInteraction(ctx context.Context, interaction *storage.Interaction, rec *storage.Record) error {
	remaining := time.Until(rec.ExpiresAt)
	if remaining <= 0 {
		return errors.New("interaction expired")
	}
	return storage.Upsert(ctx, s.adapter, interaction, remaining)
}

// resolveInteraction records the interaction's terminal result. The record
// survives until the authorize resume consumes it.
func (s *Server) resolveInteraction(ctx context.Context, interaction *storage.Interaction, rec *storage.Record, result *storage.InteractionResult) *OAuthError {
	interaction.Result = result
	if err := s.saveInteraction(ctx, interaction, rec); err != nil {
		return ErrServerError("failed to save interaction")
	}

	ev := Event{Kind: EventInteractionEnded, ClientID: interaction.Params.ClientID,
		Details: map[string]any{"uid": safeTruncate(interaction.UID, 8)}}
	if result.Login != nil {
		ev.AccountID = result.Login.AccountID
	}
	if result.Error != "" {
		ev.Details["error"] = result.Error
	}
	s.emit(ctx, ev)
	return nil
}

// failSubmission persists a user-visible submission failure and sends the
// user back to the interaction page to retry.
func (s *Server) failSubmission(ctx context.Context, interaction *storage.Interaction, rec *storage.Record, action, loginHint, code, desc string) (string, *OAuthError) {
	interaction.LastSubmission = &storage.Submission{
		UserError:     code,
		UserErrorDesc: desc,
		LastAction:    action,
		LoginHint:     loginHint,
	}
	if err := s.saveInteraction(ctx, interaction, rec); err != nil {
		return "", ErrServerError("failed to save interaction")
	}
	return s.interactionPath(interaction.UID), nil
}

// CompleteLogin authenticates an email/password submission against the
// client's enabled db connections. Authentication failures are re-enterable:
// the user is sent back to the prompt, not to the RP.
func (s *Server) CompleteLogin(ctx context.Context, uid, email, password string) (string, *OAuthError) {
	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return "", ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return "", ErrInvalidRequest("unknown or expired interaction")
	}

	client, err := s.GetClient(ctx, interaction.Params.ClientID)
	if err != nil {
		return "", ErrInvalidRequest("unknown client")
	}

	if !s.allowUserAttempt(email) {
		return s.failSubmission(ctx, interaction, rec, "login", email,
			"rate_limited", "Too many attempts. Wait a moment and try again.")
	}

	account, err := s.accounts.Authenticate(ctx, s.enabledConnections(client), email, password)
	if err != nil {
		if accounts.IsAuthFailure(err) {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", client.ID, "", "invalid_credentials")
			}
			return s.failSubmission(ctx, interaction, rec, "login", email,
				"invalid_credentials", "The email or password you entered is incorrect.")
		}
		s.emit(ctx, Event{Kind: EventServerError, ClientID: client.ID, Err: err})
		return "", ErrServerError("authentication backend failure")
	}

	interaction.LastSubmission = nil
	if oerr := s.resolveInteraction(ctx, interaction, rec, &storage.InteractionResult{
		Login: &storage.LoginResult{AccountID: account.ID},
	}); oerr != nil {
		return "", oerr
	}
	return interaction.ReturnTo, nil
}

// CompleteRegister creates a new account on a registerable db connection and
// resolves the interaction as a login. Fails closed when no enabled
// connection allows signup.
func (s *Server) CompleteRegister(ctx context.Context, uid, email, password string) (string, *OAuthError) {
	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return "", ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return "", ErrInvalidRequest("unknown or expired interaction")
	}

	client, err := s.GetClient(ctx, interaction.Params.ClientID)
	if err != nil {
		return "", ErrInvalidRequest("unknown client")
	}

	var target *accounts.Connection
	for _, conn := range s.enabledConnections(client) {
		if conn.Registerable() {
			c := conn
			target = &c
			break
		}
	}
	if target == nil {
		return "", ErrInvalidRequest("registration is not available for this client")
	}

	if !s.allowUserAttempt(email) {
		return s.failSubmission(ctx, interaction, rec, "register", email,
			"rate_limited", "Too many attempts. Wait a moment and try again.")
	}

	account, err := s.accounts.Register(ctx, *target, email, password)
	if err != nil {
		if accounts.IsAuthFailure(err) {
			return s.failSubmission(ctx, interaction, rec, "register", email,
				"registration_failed", "An account with this email already exists.")
		}
		s.emit(ctx, Event{Kind: EventServerError, ClientID: client.ID, Err: err})
		return "", ErrServerError("registration backend failure")
	}

	interaction.LastSubmission = nil
	if oerr := s.resolveInteraction(ctx, interaction, rec, &storage.InteractionResult{
		Login: &storage.LoginResult{AccountID: account.ID},
	}); oerr != nil {
		return "", oerr
	}
	return interaction.ReturnTo, nil
}

// Confirm records the end-user's consent: the missing scopes and claims from
// the prompt are merged into the account's grant for the client.
func (s *Server) Confirm(ctx context.Context, uid string) (string, *OAuthError) {
	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return "", ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return "", ErrInvalidRequest("unknown or expired interaction")
	}
	if interaction.AccountID == "" {
		return "", ErrInvalidRequest("consent requires an authenticated interaction")
	}

	clientID := interaction.Params.ClientID
	grantID := ""
	if session := s.lookupSession(ctx, interaction.SessionUID); session != nil {
		grantID = session.GrantFor(clientID)
	}

	grant, lerr := s.loadGrant(ctx, grantID)
	if lerr != nil {
		return "", ErrServerError("failed to load grant")
	}
	if grant == nil {
		grant = s.newGrant(interaction.AccountID, clientID)
	}

	grant.AddOIDCScope(interaction.Prompt.MissingOIDCScope...)
	grant.AddOIDCClaims(interaction.Prompt.MissingOIDCClaims...)
	for resource, scopes := range interaction.Prompt.MissingResourceScopes {
		grant.AddResourceScope(resource, scopes...)
	}

	if err := s.saveGrant(ctx, grant); err != nil {
		return "", ErrServerError("failed to save grant")
	}
	s.emit(ctx, Event{Kind: EventGrantSuccess, ClientID: clientID, AccountID: interaction.AccountID, GrantID: grant.ID})

	result := &storage.InteractionResult{Consent: &storage.ConsentResult{GrantID: grant.ID}}
	if oerr := s.resolveInteraction(ctx, interaction, rec, result); oerr != nil {
		return "", oerr
	}
	return interaction.ReturnTo, nil
}

// Abort resolves the interaction with access_denied; the error travels back
// to the RP through the authorize resume.
func (s *Server) Abort(ctx context.Context, uid string) (string, *OAuthError) {
	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return "", ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return "", ErrInvalidRequest("unknown or expired interaction")
	}

	if oerr := s.resolveInteraction(ctx, interaction, rec, &storage.InteractionResult{
		Error:            ErrorCodeAccessDenied,
		ErrorDescription: "End-User aborted interaction",
	}); oerr != nil {
		return "", oerr
	}
	return interaction.ReturnTo, nil
}

// StartFederated begins the upstream federation sub-flow for an interaction.
// It returns the upstream authorization URL and the nonce the HTTP layer must
// pin in a short-lived cookie for the callback.
func (s *Server) StartFederated(ctx context.Context, uid, upstreamName string) (authURL, nonce string, oerr *OAuthError) {
	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return "", "", ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return "", "", ErrInvalidRequest("unknown or expired interaction")
	}

	client, err := s.GetClient(ctx, interaction.Params.ClientID)
	if err != nil {
		return "", "", ErrInvalidRequest("unknown client")
	}
	if len(filterConnections(s.enabledConnections(client), upstreamName)) == 0 {
		return "", "", ErrInvalidRequest("requested connection is not available")
	}

	upstream, ok := s.upstreams.Get(upstreamName)
	if !ok {
		return "", "", ErrInvalidRequest("unknown upstream provider")
	}

	nonce = generateRandomToken()
	interaction.LastSubmission = &storage.Submission{LastAction: "federated", Connection: upstreamName}
	if err := s.saveInteraction(ctx, interaction, rec); err != nil {
		return "", "", ErrServerError("failed to save interaction")
	}

	// The interaction uid doubles as the upstream state value; the callback
	// resolves it back to this interaction.
	authURL, err = upstream.AuthorizationURL(ctx, uid, nonce, s.federatedCallbackURI(upstreamName))
	if err != nil {
		s.emit(ctx, Event{Kind: EventFederationError, ClientID: client.ID, Err: err,
			Details: map[string]any{"upstream": upstreamName}})
		return "", "", ErrServerError("failed to build upstream authorization URL")
	}
	return authURL, nonce, nil
}

// FederatedCallback completes the federation sub-flow. The state parameter
// carries the interaction uid; the nonce comes from the cookie set at
// StartFederated. Upstream failures resolve the interaction with a generic
// access_denied; the upstream's actual error is only logged.
func (s *Server) FederatedCallback(ctx context.Context, upstreamName, nonce string, params url.Values) (string, *OAuthError) {
	uid := params.Get("state")
	if uid == "" {
		return "", ErrInvalidRequest("missing state parameter")
	}

	interaction, rec, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return "", ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return "", ErrInvalidRequest("unknown or expired interaction")
	}

	upstream, ok := s.upstreams.Get(upstreamName)
	if !ok {
		return "", ErrInvalidRequest("unknown upstream provider")
	}

	claims, err := upstream.HandleCallback(ctx, nonce, s.federatedCallbackURI(upstreamName), params)
	if err != nil {
		s.Logger.Warn("Upstream federation failed",
			"upstream", upstreamName,
			"uid", safeTruncate(uid, 8),
			"error", err)
		s.emit(ctx, Event{Kind: EventFederationError, ClientID: interaction.Params.ClientID, Err: err,
			Details: map[string]any{"upstream": upstreamName}})
		if oerr := s.resolveInteraction(ctx, interaction, rec, &storage.InteractionResult{
			Error:            ErrorCodeAccessDenied,
			ErrorDescription: "upstream authentication failed",
		}); oerr != nil {
			return "", oerr
		}
		return interaction.ReturnTo, nil
	}

	account, err := s.accounts.FindByFederated(ctx, upstreamName, *claims)
	if err != nil {
		s.emit(ctx, Event{Kind: EventServerError, ClientID: interaction.Params.ClientID, Err: err})
		return "", ErrServerError("failed to resolve federated account")
	}

	interaction.LastSubmission = nil
	if oerr := s.resolveInteraction(ctx, interaction, rec, &storage.InteractionResult{
		Login: &storage.LoginResult{AccountID: account.ID},
	}); oerr != nil {
		return "", oerr
	}
	return interaction.ReturnTo, nil
}

// federatedCallbackURI builds the upstream redirect URI for a provider. The
// interaction base path is host-absolute, so only the issuer's origin is
// used.
func (s *Server) federatedCallbackURI(upstreamName string) string {
	u, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return s.Config.InteractionBasePath + "/callback/" + upstreamName
	}
	u.Path = s.Config.InteractionBasePath + "/callback/" + upstreamName
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
