// Package storage defines the persistence contract for every artifact the
// identity provider keeps server-side: clients, grants, sessions, pending
// interactions, single-use exchange codes, and issued tokens.
// It supports various backend implementations including in-memory and bbolt.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies an artifact category. The set is closed: adding a new
// artifact never requires a schema migration, only a new constant, because
// every backend stores the same (kind, id, payload, index-columns) shape.
type Kind string

// The artifact kinds handled by an Adapter.
const (
	KindClient                           Kind = "Client"
	KindGrant                            Kind = "Grant"
	KindSession                          Kind = "Session"
	KindInteraction                      Kind = "Interaction"
	KindAuthorizationCode                Kind = "AuthorizationCode"
	KindDeviceCode                       Kind = "DeviceCode"
	KindPushedAuthorizationRequest       Kind = "PushedAuthorizationRequest"
	KindBackchannelAuthenticationRequest Kind = "BackchannelAuthenticationRequest"
	KindAccessToken                      Kind = "AccessToken"
	KindClientCredentials                Kind = "ClientCredentials"
	KindRefreshToken                     Kind = "RefreshToken"
	KindReplayDetection                  Kind = "ReplayDetection"
	KindInitialAccessToken               Kind = "InitialAccessToken"
	KindRegistrationAccessToken          Kind = "RegistrationAccessToken"

	// KindConfig is the server-wide singleton holding key material and
	// cookie secrets. Exactly one record exists, under ConfigSingletonID.
	KindConfig Kind = "Config"
)

// ConfigSingletonID is the well-known id of the KindConfig record.
const ConfigSingletonID = "default"

// AllKinds lists every artifact kind an adapter must accept.
var AllKinds = []Kind{
	KindClient, KindGrant, KindSession, KindInteraction,
	KindAuthorizationCode, KindDeviceCode, KindPushedAuthorizationRequest,
	KindBackchannelAuthenticationRequest, KindAccessToken,
	KindClientCredentials, KindRefreshToken, KindReplayDetection,
	KindInitialAccessToken, KindRegistrationAccessToken, KindConfig,
}

// ErrConsumed is returned by ConsumeOnce when the artifact has already been
// consumed. Callers must translate this to a generic invalid_grant response;
// whether the artifact existed vs. was replayed must never leak to clients.
var ErrConsumed = errors.New("artifact already consumed")

// Record is the storage envelope for a single artifact. The typed payload is
// serialized into Payload; GrantID, UID and UserCode are denormalized out of
// the payload at write time so backends can maintain secondary indexes
// without understanding the payload shape.
type Record struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`

	// Payload is absent on disk for records a backend stores encrypted; the
	// backend restores it at read time.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ExpiresAt is the absolute expiry; zero means the record never expires.
	// Expiry is enforced on read (soft-expiry): Find returns nil for an
	// expired record whether or not the backend has physically deleted it.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`

	// ConsumedAt is set by Consume/ConsumeOnce. Consumption is terminal and
	// is checked before TTL: a consumed artifact is never valid for exchange
	// even if unexpired.
	ConsumedAt time.Time `json:"consumedAt,omitzero"`

	// Denormalized secondary-lookup fields.
	GrantID  string `json:"grantId,omitempty"`
	UID      string `json:"uid,omitempty"`
	UserCode string `json:"userCode,omitempty"`
}

// Consumed reports whether the record carries a consumption mark.
func (r *Record) Consumed() bool {
	return r != nil && !r.ConsumedAt.IsZero()
}

// Expired reports whether the record is past its expiry at the given instant.
func (r *Record) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Adapter is the generic persistence surface. One implementation serves all
// artifact kinds; the physical layout (single polymorphic table, per-kind
// buckets, ...) is the backend's choice as long as these semantics hold.
// All methods accept context.Context for tracing and cancellation.
type Adapter interface {
	// Upsert writes or replaces the record. expiresIn <= 0 means the record
	// never expires; otherwise ExpiresAt is computed as now + expiresIn.
	Upsert(ctx context.Context, rec *Record, expiresIn time.Duration) error

	// Find returns the record, or nil (not an error) when the id is unknown
	// or the record is soft-expired. A consumed record IS returned, with
	// ConsumedAt set, so callers can distinguish replay from absence.
	Find(ctx context.Context, kind Kind, id string) (*Record, error)

	// FindByUserCode looks up a device code by its user code.
	// Same soft-expiry rule as Find.
	FindByUserCode(ctx context.Context, userCode string) (*Record, error)

	// FindByUID looks up a session by its uid. Same soft-expiry rule as Find.
	FindByUID(ctx context.Context, uid string) (*Record, error)

	// Consume marks the record consumed (ConsumedAt = now) without deleting
	// it. Calling it again is a no-op; consumption-once is enforced by
	// callers checking the Consumed marker, or by ConsumeOnce.
	Consume(ctx context.Context, kind Kind, id string) error

	// ConsumeOnce atomically checks the record is unconsumed and marks it
	// consumed, returning the record as it was before the mark.
	// Returns ErrConsumed if already consumed, nil record if missing or
	// expired. Two concurrent calls for the same id must never both succeed.
	// SECURITY: a race letting both succeed is a token-replay bug.
	ConsumeOnce(ctx context.Context, kind Kind, id string) (*Record, error)

	// Destroy deletes the record. Missing ids are a no-op, not an error.
	Destroy(ctx context.Context, kind Kind, id string) error

	// RevokeByGrantID deletes every artifact of any kind whose GrantID
	// matches. The deletions must be visible before the call returns so a
	// subsequent issuance check cannot race past the revocation.
	RevokeByGrantID(ctx context.Context, grantID string) error
}

// Artifact is implemented by every typed payload so the generic helpers can
// build the envelope without per-kind glue.
type Artifact interface {
	ArtifactKind() Kind
	ArtifactID() string
}

// grantScoped is implemented by payloads that reference a grant; the grant id
// is denormalized onto the envelope for RevokeByGrantID.
type grantScoped interface{ artifactGrantID() string }

// uidIndexed is implemented by payloads addressable by uid (sessions).
type uidIndexed interface{ artifactUID() string }

// userCodeIndexed is implemented by payloads addressable by user code
// (device codes).
type userCodeIndexed interface{ artifactUserCode() string }

// Upsert serializes a typed artifact into its envelope and writes it.
func Upsert[T Artifact](ctx context.Context, a Adapter, artifact T, expiresIn time.Duration) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	rec := &Record{
		Kind:    artifact.ArtifactKind(),
		ID:      artifact.ArtifactID(),
		Payload: payload,
	}
	if gs, ok := any(artifact).(grantScoped); ok {
		rec.GrantID = gs.artifactGrantID()
	}
	if ui, ok := any(artifact).(uidIndexed); ok {
		rec.UID = ui.artifactUID()
	}
	if uc, ok := any(artifact).(userCodeIndexed); ok {
		rec.UserCode = uc.artifactUserCode()
	}
	return a.Upsert(ctx, rec, expiresIn)
}

// Find loads a typed artifact. The results are (nil, nil, nil) when the
// record is missing or soft-expired. The returned record carries the
// consumption marker; callers exchanging single-use artifacts must check it.
func Find[T any](ctx context.Context, a Adapter, kind Kind, id string) (*T, *Record, error) {
	rec, err := a.Find(ctx, kind, id)
	if err != nil || rec == nil {
		return nil, nil, err
	}
	out, err := Decode[T](rec)
	if err != nil {
		return nil, nil, err
	}
	return out, rec, nil
}

// Decode unmarshals a record payload into a typed artifact.
func Decode[T any](rec *Record) (*T, error) {
	if rec == nil {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
