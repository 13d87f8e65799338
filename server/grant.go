package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veridianlabs/idp/storage"
)

// splitScope splits a space-delimited scope string into its values.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// loadGrant returns the grant by id, or nil when missing or expired.
func (s *Server) loadGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	grant, _, err := storage.Find[storage.Grant](ctx, s.adapter, storage.KindGrant, grantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	return grant, nil
}

// saveGrant persists the grant with a fresh TTL window. Saving on reuse is
// what keeps an active grant alive.
func (s *Server) saveGrant(ctx context.Context, grant *storage.Grant) error {
	if err := storage.Upsert(ctx, s.adapter, grant, s.TTL.Grant()); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// newGrant creates an empty grant for an account/client pair.
func (s *Server) newGrant(accountID, clientID string) *storage.Grant {
	return &storage.Grant{
		ID:        generateRandomToken(),
		AccountID: accountID,
		ClientID:  clientID,
		CreatedAt: time.Now(),
	}
}

// grantCoversRequest reports whether the grant already includes everything
// the authorization request asks for. A false result means consent is needed
// for the missing pieces.
func grantCoversRequest(grant *storage.Grant, params *storage.AuthorizationParams) bool {
	if grant == nil {
		return false
	}
	if !grant.HasOIDCScope(splitScope(params.Scope)...) {
		return false
	}
	if params.Resource != "" {
		if !containsAllOf(grant.Resources[params.Resource], splitScope(params.Scope)) {
			return false
		}
	}
	return true
}

// missingFromGrant computes the consent prompt detail for what the request
// needs beyond the grant's current contents.
func missingFromGrant(grant *storage.Grant, params *storage.AuthorizationParams) storage.PromptDetail {
	detail := storage.PromptDetail{Name: "consent"}

	requested := splitScope(params.Scope)
	for _, scope := range requested {
		if grant == nil || !grant.HasOIDCScope(scope) {
			detail.MissingOIDCScope = append(detail.MissingOIDCScope, scope)
		}
	}
	if params.Resource != "" {
		var missing []string
		for _, scope := range requested {
			if grant == nil || !containsAllOf(grant.Resources[params.Resource], []string{scope}) {
				missing = append(missing, scope)
			}
		}
		if len(missing) > 0 {
			if detail.MissingResourceScopes == nil {
				detail.MissingResourceScopes = make(map[string][]string)
			}
			detail.MissingResourceScopes[params.Resource] = missing
		}
	}

	if len(detail.MissingOIDCScope) > 0 {
		detail.Reasons = append(detail.Reasons, "op_scopes_missing")
	}
	if len(detail.MissingResourceScopes) > 0 {
		detail.Reasons = append(detail.Reasons, "rs_scopes_missing")
	}
	return detail
}

func containsAllOf(have, want []string) bool {
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

// RevokeGrant destroys a grant and cascades to every artifact issued under
// it. The deletions are visible before this returns, so a concurrent token
// issuance cannot race past the revocation.
func (s *Server) RevokeGrant(ctx context.Context, grantID string) error {
	grant, err := s.loadGrant(ctx, grantID)
	if err != nil {
		return err
	}

	if err := s.adapter.RevokeByGrantID(ctx, grantID); err != nil {
		s.emit(ctx, Event{Kind: EventGrantError, GrantID: grantID, Err: err})
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	ev := Event{Kind: EventGrantRevoked, GrantID: grantID}
	if grant != nil {
		ev.AccountID = grant.AccountID
		ev.ClientID = grant.ClientID
	}
	s.emit(ctx, ev)

	if s.Auditor != nil && grant != nil {
		s.Auditor.LogTokenRevoked(grant.AccountID, grant.ClientID, "", "grant_cascade")
	}
	s.Logger.Info("Revoked grant and cascaded to issued artifacts",
		"grant_id", safeTruncate(grantID, 8))
	return nil
}
