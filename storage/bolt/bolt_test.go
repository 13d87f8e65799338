package bolt

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bbolt "go.etcd.io/bbolt"

	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idp.db")
	store, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpenAndRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		JTI:      "code-1",
		ClientID: "client-1",
		GrantID:  "grant-1",
		IssuedAt: time.Now(),
	}
	require.NoError(t, storage.Upsert(ctx, store, code, time.Minute))

	got, rec, err := storage.Find[storage.AuthorizationCode](ctx, store, storage.KindAuthorizationCode, "code-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "grant-1", rec.GrantID)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idp.db")
	ctx := context.Background()

	store, err := Open(path, testLogger())
	require.NoError(t, err)

	client := &storage.Client{ID: "client-1", Name: "Persisted"}
	require.NoError(t, storage.Upsert(ctx, store, client, 0))
	require.NoError(t, store.Close())

	store, err = Open(path, testLogger())
	require.NoError(t, err)
	defer store.Close()

	got, _, err := storage.Find[storage.Client](ctx, store, storage.KindClient, "client-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Persisted", got.Name)
}

func TestFind_SoftExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{JTI: "code-1"}
	require.NoError(t, storage.Upsert(ctx, store, code, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	rec, err := store.Find(ctx, storage.KindAuthorizationCode, "code-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConsumeOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{JTI: "code-1", GrantID: "grant-1"}
	require.NoError(t, storage.Upsert(ctx, store, code, time.Minute))

	rec, err := store.ConsumeOnce(ctx, storage.KindAuthorizationCode, "code-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Consumed())

	rec, err = store.ConsumeOnce(ctx, storage.KindAuthorizationCode, "code-1")
	assert.ErrorIs(t, err, storage.ErrConsumed)
	assert.Nil(t, rec)

	// The consumed record remains findable for the replay cascade.
	found, err := store.Find(ctx, storage.KindAuthorizationCode, "code-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Consumed())
	assert.Equal(t, "grant-1", found.GrantID)
}

func TestIndexes(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	session := &storage.Session{UID: "session-uid", AccountID: "acct-1"}
	require.NoError(t, storage.Upsert(ctx, store, session, time.Minute))
	dc := &storage.DeviceCode{JTI: "device-1", UserCode: "BCDF-GHJK"}
	require.NoError(t, storage.Upsert(ctx, store, dc, time.Minute))

	rec, err := store.FindByUID(ctx, "session-uid")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, storage.KindSession, rec.Kind)

	rec, err = store.FindByUserCode(ctx, "BCDF-GHJK")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "device-1", rec.ID)

	// Destroy cleans the index entries up.
	require.NoError(t, store.Destroy(ctx, storage.KindDeviceCode, "device-1"))
	rec, err = store.FindByUserCode(ctx, "BCDF-GHJK")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRevokeByGrantID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, storage.Upsert(ctx, store,
		&storage.RefreshToken{JTI: "refresh-1", GrantID: "grant-1"}, time.Minute))
	require.NoError(t, storage.Upsert(ctx, store,
		&storage.AccessToken{JTI: "access-1", GrantID: "grant-1"}, time.Minute))
	require.NoError(t, storage.Upsert(ctx, store,
		&storage.AccessToken{JTI: "access-2", GrantID: "grant-2"}, time.Minute))

	require.NoError(t, store.RevokeByGrantID(ctx, "grant-1"))

	rec, err := store.Find(ctx, storage.KindRefreshToken, "refresh-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = store.Find(ctx, storage.KindAccessToken, "access-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = store.Find(ctx, storage.KindAccessToken, "access-2")
	require.NoError(t, err)
	assert.NotNil(t, rec, "other grants are untouched")

	assert.Error(t, store.RevokeByGrantID(ctx, ""))
}

func TestCleanupExpired(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, storage.Upsert(ctx, store,
		&storage.AccessToken{JTI: "expired"}, time.Millisecond))
	require.NoError(t, storage.Upsert(ctx, store,
		&storage.AccessToken{JTI: "live"}, time.Minute))
	time.Sleep(5 * time.Millisecond)

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rec, err := store.Find(ctx, storage.KindAccessToken, "live")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestEncryptionAtRest(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	store.SetEncryptor(enc)

	token := &storage.RefreshToken{
		JTI:       "refresh-1",
		AccountID: "acct-secret",
		GrantID:   "grant-1",
	}
	require.NoError(t, storage.Upsert(ctx, store, token, time.Minute))

	// The decrypted read round-trips.
	got, _, err := storage.Find[storage.RefreshToken](ctx, store, storage.KindRefreshToken, "refresh-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acct-secret", got.AccountID)

	// The raw on-disk bytes must not contain the payload.
	err = store.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(kindBucket(storage.KindRefreshToken)).Get([]byte("refresh-1"))
		require.NotNil(t, data)

		var sr storedRecord
		require.NoError(t, json.Unmarshal(data, &sr))
		assert.Empty(t, sr.Payload)
		assert.NotEmpty(t, sr.Ciphertext)
		assert.NotContains(t, string(data), "acct-secret")
		return nil
	})
	require.NoError(t, err)

	// A plain-kind record stays unencrypted.
	require.NoError(t, storage.Upsert(ctx, store, &storage.Client{ID: "client-1", Name: "Plain"}, 0))
	err = store.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(kindBucket(storage.KindClient)).Get([]byte("client-1"))
		assert.True(t, strings.Contains(string(data), "Plain"))
		return nil
	})
	require.NoError(t, err)
}

func TestEncryptedRecordNeedsEncryptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idp.db")
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	store, err := Open(path, testLogger())
	require.NoError(t, err)
	store.SetEncryptor(enc)
	require.NoError(t, storage.Upsert(ctx, store,
		&storage.RefreshToken{JTI: "refresh-1"}, time.Minute))
	require.NoError(t, store.Close())

	// Reopening without the key must fail loudly, not hand back ciphertext.
	store, err = Open(path, testLogger())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Find(ctx, storage.KindRefreshToken, "refresh-1")
	assert.Error(t, err)
}
