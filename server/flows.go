package server

import (
	"context"
	"net/url"
	"time"

	"github.com/veridianlabs/idp/storage"
)

// AuthorizeResult tells the HTTP layer where to send the user agent next:
// either back to the RP (with a code or an error) or into the interaction
// sub-app for user input.
type AuthorizeResult struct {
	// RedirectTo is the 303 target.
	RedirectTo string

	// InteractionUID is set when RedirectTo points at the interaction
	// sub-app.
	InteractionUID string

	// SessionUID is set when a session was created or replaced and the
	// session cookie must be rewritten.
	SessionUID string
}

// Authorize evaluates an authorization request. Validation failures that
// predate redirect URI validation are returned as errors and must be rendered
// directly; they are never redirected to an unvalidated URI. Everything after
// that point redirects, carrying the issuer in an iss parameter.
func (s *Server) Authorize(ctx context.Context, params *storage.AuthorizationParams, sessionUID string) (*AuthorizeResult, *OAuthError) {
	client, err := s.GetClient(ctx, params.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", params.ClientID, "", "unknown_client")
		}
		return nil, ErrInvalidRequest("unknown client")
	}

	if err := s.validateRedirectURI(client, params.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(params.ClientID, "", params.RedirectURI, err.Error())
		}
		return nil, ErrInvalidRedirectURI(err.Error())
	}

	// The redirect URI is trusted from here on; protocol errors go back to
	// the RP instead of being rendered by us.
	if oerr := s.validateAuthorizationParams(client, params); oerr != nil {
		s.emit(ctx, Event{Kind: EventAuthorizationError, ClientID: client.ID, Err: oerr})
		return &AuthorizeResult{RedirectTo: s.rpErrorRedirect(params, oerr)}, nil
	}

	session := s.lookupSession(ctx, sessionUID)

	// prompt=login forces re-authentication even with a live session.
	if session == nil || params.Prompt == "login" {
		return s.startInteraction(ctx, client, params, session, storage.PromptDetail{
			Name:    "login",
			Reasons: loginReasons(session, params),
		}, "")
	}

	grant, err := s.loadGrant(ctx, session.GrantFor(client.ID))
	if err != nil {
		return nil, ErrServerError("failed to load grant")
	}
	if !grantCoversRequest(grant, params) {
		return s.startInteraction(ctx, client, params, session, missingFromGrant(grant, params), session.AccountID)
	}

	// Session and consent both satisfied: issue the code directly.
	redirect, oerr := s.finishAuthorization(ctx, client, params, session, grant)
	if oerr != nil {
		return nil, oerr
	}
	return &AuthorizeResult{RedirectTo: redirect}, nil
}

func loginReasons(session *storage.Session, params *storage.AuthorizationParams) []string {
	if session == nil {
		return []string{"no_session"}
	}
	if params.Prompt == "login" {
		return []string{"login_prompt"}
	}
	return nil
}

// lookupSession resolves the session for a cookie uid; nil when absent or
// expired.
func (s *Server) lookupSession(ctx context.Context, sessionUID string) *storage.Session {
	if sessionUID == "" {
		return nil
	}
	rec, err := s.adapter.FindByUID(ctx, sessionUID)
	if err != nil || rec == nil || rec.Kind != storage.KindSession {
		return nil
	}
	session, err := storage.Decode[storage.Session](rec)
	if err != nil {
		s.Logger.Warn("Corrupt session record", "uid", safeTruncate(sessionUID, 8), "error", err)
		return nil
	}
	return session
}

// startInteraction persists a pending interaction and redirects into the
// interaction sub-app.
func (s *Server) startInteraction(ctx context.Context, client *storage.Client, params *storage.AuthorizationParams, session *storage.Session, prompt storage.PromptDetail, accountID string) (*AuthorizeResult, *OAuthError) {
	interaction := &storage.Interaction{
		UID:       generateRandomToken(),
		Prompt:    prompt,
		Params:    *params,
		AccountID: accountID,
		CreatedAt: time.Now(),
	}
	if session != nil {
		interaction.SessionUID = session.UID
	}
	interaction.ReturnTo = s.Config.AuthorizeBasePath + "/" + interaction.UID

	if err := storage.Upsert(ctx, s.adapter, interaction, s.TTL.Interaction()); err != nil {
		return nil, ErrServerError("failed to save interaction")
	}

	s.emit(ctx, Event{
		Kind:     EventInteractionStarted,
		ClientID: client.ID,
		Details:  map[string]any{"prompt": prompt.Name, "uid": safeTruncate(interaction.UID, 8)},
	})
	s.Logger.Debug("Interaction started",
		"uid", safeTruncate(interaction.UID, 8),
		"prompt", prompt.Name,
		"client_id", client.ID)

	return &AuthorizeResult{
		RedirectTo:     s.interactionPath(interaction.UID),
		InteractionUID: interaction.UID,
	}, nil
}

// ResumeAuthorization continues an authorization after its interaction
// resolved. It consumes the interaction record: a resolved interaction either
// completes the flow, reports the resolution error to the RP, or spawns the
// next interaction (consent after login).
func (s *Server) ResumeAuthorization(ctx context.Context, uid, sessionUID string) (*AuthorizeResult, *OAuthError) {
	interaction, _, err := storage.Find[storage.Interaction](ctx, s.adapter, storage.KindInteraction, uid)
	if err != nil {
		return nil, ErrServerError("failed to load interaction")
	}
	if interaction == nil {
		return nil, ErrInvalidRequest("unknown or expired interaction")
	}

	// Not yet resolved: send the user back to the prompt.
	if interaction.Result == nil {
		return &AuthorizeResult{
			RedirectTo:     s.interactionPath(uid),
			InteractionUID: uid,
		}, nil
	}

	params := &interaction.Params

	if interaction.Result.Error != "" {
		_ = s.adapter.Destroy(ctx, storage.KindInteraction, uid)
		oerr := NewOAuthError(interaction.Result.Error, interaction.Result.ErrorDescription, 0)
		s.emit(ctx, Event{Kind: EventAuthorizationError, ClientID: params.ClientID, Err: oerr})
		return &AuthorizeResult{RedirectTo: s.rpErrorRedirect(params, oerr)}, nil
	}

	client, err := s.GetClient(ctx, params.ClientID)
	if err != nil {
		return nil, ErrInvalidRequest("unknown client")
	}

	accountID := interaction.AccountID
	if interaction.Result.Login != nil {
		accountID = interaction.Result.Login.AccountID
	}
	if accountID == "" {
		return nil, ErrServerError("interaction resolved without an account")
	}

	// Read-your-writes on the session: reuse the cookie session only when it
	// still maps to the authenticated account.
	result := &AuthorizeResult{}
	session := s.lookupSession(ctx, sessionUID)
	if session == nil || session.AccountID != accountID {
		session = &storage.Session{
			UID:       generateRandomToken(),
			AccountID: accountID,
			LoginTS:   time.Now(),
		}
		result.SessionUID = session.UID
	}

	var grant *storage.Grant
	if interaction.Result.Consent != nil {
		grant, err = s.loadGrant(ctx, interaction.Result.Consent.GrantID)
	} else {
		grant, err = s.loadGrant(ctx, session.GrantFor(client.ID))
	}
	if err != nil {
		return nil, ErrServerError("failed to load grant")
	}

	if !grantCoversRequest(grant, params) {
		// Consent still outstanding: persist the session now so the consent
		// prompt can reference it, then chain into a consent interaction.
		if err := storage.Upsert(ctx, s.adapter, session, s.TTL.Session()); err != nil {
			return nil, ErrServerError("failed to save session")
		}
		_ = s.adapter.Destroy(ctx, storage.KindInteraction, uid)

		next, oerr := s.startInteraction(ctx, client, params, session, missingFromGrant(grant, params), accountID)
		if oerr != nil {
			return nil, oerr
		}
		next.SessionUID = result.SessionUID
		return next, nil
	}

	redirect, oerr := s.finishAuthorization(ctx, client, params, session, grant)
	if oerr != nil {
		return nil, oerr
	}
	_ = s.adapter.Destroy(ctx, storage.KindInteraction, uid)

	result.RedirectTo = redirect
	return result, nil
}

// finishAuthorization mints the single-use authorization code, binds the
// grant to the session, and builds the RP redirect.
func (s *Server) finishAuthorization(ctx context.Context, client *storage.Client, params *storage.AuthorizationParams, session *storage.Session, grant *storage.Grant) (string, *OAuthError) {
	session.SetGrant(client.ID, grant.ID)
	if err := storage.Upsert(ctx, s.adapter, session, s.TTL.Session()); err != nil {
		return "", ErrServerError("failed to save session")
	}

	// Reuse keeps an active grant alive.
	if err := s.saveGrant(ctx, grant); err != nil {
		return "", ErrServerError("failed to refresh grant")
	}

	code := &storage.AuthorizationCode{
		JTI:                 generateRandomToken(),
		ClientID:            client.ID,
		GrantID:             grant.ID,
		AccountID:           session.AccountID,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		Nonce:               params.Nonce,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		SessionUID:          session.UID,
		Resource:            params.Resource,
		IssuedAt:            time.Now(),
	}
	if err := storage.Upsert(ctx, s.adapter, code, s.TTL.AuthorizationCode()); err != nil {
		return "", ErrServerError("failed to save authorization code")
	}

	s.emit(ctx, Event{
		Kind:      EventAuthorizationSuccess,
		ClientID:  client.ID,
		AccountID: session.AccountID,
		GrantID:   grant.ID,
	})
	if s.Auditor != nil {
		s.Auditor.LogAuthSuccess(session.AccountID, client.ID, "")
	}

	values := url.Values{}
	values.Set("code", code.JTI)
	if params.State != "" {
		values.Set("state", params.State)
	}
	return s.rpRedirect(params, values), nil
}

// interactionPath builds the path into the interaction sub-app for a uid.
func (s *Server) interactionPath(uid string) string {
	return s.Config.InteractionBasePath + "/" + uid
}

// rpRedirect builds a redirect back to the RP. Every RP redirect carries an
// iss parameter equal to the configured issuer (RFC 9207).
func (s *Server) rpRedirect(params *storage.AuthorizationParams, values url.Values) string {
	u, err := url.Parse(params.RedirectURI)
	if err != nil {
		// The URI was validated earlier; this is unreachable in practice.
		return params.RedirectURI
	}
	q := u.Query()
	for key, vals := range values {
		if len(vals) > 0 {
			q.Set(key, vals[0])
		}
	}
	q.Set("iss", s.Config.Issuer)
	u.RawQuery = q.Encode()
	return u.String()
}

// rpErrorRedirect builds an error redirect back to the RP.
func (s *Server) rpErrorRedirect(params *storage.AuthorizationParams, oerr *OAuthError) string {
	values := url.Values{}
	values.Set("error", oerr.Code)
	if oerr.Description != "" {
		values.Set("error_description", oerr.Description)
	}
	if params.State != "" {
		values.Set("state", params.State)
	}
	return s.rpRedirect(params, values)
}
