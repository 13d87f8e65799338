// Package bolt provides a bbolt-backed implementation of the storage
// Adapter for single-node persistent deployments.
//
// Layout: one bucket per artifact kind holding JSON-encoded records, plus
// three index buckets (uid, user code, grant) mapping secondary keys to the
// (kind, id) of the record they point at. The grant index is keyed
// "grantID\x00kind\x00id" so a prefix scan finds every artifact of a grant.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/storage"
)

const (
	// dbFilePerm is the permission mode for the database file. It holds
	// token material and key material, so owner-only.
	dbFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second

	// keySeparator joins composite index keys. NUL cannot appear in ids.
	keySeparator = "\x00"
)

var (
	uidIndexBucket      = []byte("idx_uid")
	userCodeIndexBucket = []byte("idx_user_code")
	grantIndexBucket    = []byte("idx_grant")
)

// sensitiveKinds lists the artifact kinds whose payloads are encrypted at
// rest when an Encryptor is configured. These carry credentials or key
// material.
var sensitiveKinds = map[storage.Kind]bool{
	storage.KindAccessToken:       true,
	storage.KindRefreshToken:      true,
	storage.KindClientCredentials: true,
	storage.KindConfig:            true,
}

func kindBucket(kind storage.Kind) []byte {
	return []byte("kind:" + string(kind))
}

// Store is a bbolt-backed Adapter.
type Store struct {
	db        *bbolt.DB
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// Compile-time interface check.
var _ storage.Adapter = (*Store)(nil)

// Open opens (creating if necessary) the database at path and ensures all
// buckets exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, dbFilePerm, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, kind := range storage.AllKinds {
			if _, err := tx.CreateBucketIfNotExists(kindBucket(kind)); err != nil {
				return err
			}
		}
		for _, b := range [][]byte{uidIndexBucket, userCodeIndexBucket, grantIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// SetEncryptor enables payload encryption at rest for sensitive kinds.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Payload encryption at rest enabled for storage")
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// storedRecord is the on-disk shape. Payload is replaced by Ciphertext for
// sensitive kinds when encryption is enabled.
type storedRecord struct {
	storage.Record
	Ciphertext string `json:"ciphertext,omitempty"`
}

func (s *Store) encodeRecord(rec *storage.Record) ([]byte, error) {
	sr := storedRecord{Record: *rec}
	if sensitiveKinds[rec.Kind] && s.encryptor != nil && s.encryptor.IsEnabled() {
		ct, err := s.encryptor.Encrypt(string(rec.Payload))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt payload: %w", err)
		}
		sr.Ciphertext = ct
		sr.Payload = nil
	}
	return json.Marshal(&sr)
}

func (s *Store) decodeRecord(data []byte) (*storage.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if sr.Ciphertext != "" {
		if s.encryptor == nil || !s.encryptor.IsEnabled() {
			return nil, fmt.Errorf("record is encrypted but no encryptor is configured")
		}
		pt, err := s.encryptor.Decrypt(sr.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt payload: %w", err)
		}
		sr.Payload = json.RawMessage(pt)
	}
	rec := sr.Record
	return &rec, nil
}

func grantIndexKey(grantID string, kind storage.Kind, id string) []byte {
	return []byte(grantID + keySeparator + string(kind) + keySeparator + id)
}

func indexValue(kind storage.Kind, id string) []byte {
	return []byte(string(kind) + keySeparator + id)
}

func splitIndexValue(v []byte) (storage.Kind, string, bool) {
	parts := bytes.SplitN(v, []byte(keySeparator), 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return storage.Kind(parts[0]), string(parts[1]), true
}

// Upsert writes or replaces a record and maintains its index entries.
func (s *Store) Upsert(ctx context.Context, rec *storage.Record, expiresIn time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}

	stored := *rec
	if expiresIn > 0 {
		stored.ExpiresAt = time.Now().Add(expiresIn)
	} else {
		stored.ExpiresAt = time.Time{}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := s.encodeRecord(&stored)
		if err != nil {
			return err
		}
		if err := tx.Bucket(kindBucket(stored.Kind)).Put([]byte(stored.ID), data); err != nil {
			return err
		}
		if stored.UID != "" {
			if err := tx.Bucket(uidIndexBucket).Put([]byte(stored.UID), indexValue(stored.Kind, stored.ID)); err != nil {
				return err
			}
		}
		if stored.UserCode != "" {
			if err := tx.Bucket(userCodeIndexBucket).Put([]byte(stored.UserCode), indexValue(stored.Kind, stored.ID)); err != nil {
				return err
			}
		}
		if stored.GrantID != "" {
			if err := tx.Bucket(grantIndexBucket).Put(grantIndexKey(stored.GrantID, stored.Kind, stored.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Find returns a record, or nil when missing or soft-expired.
func (s *Store) Find(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(kindBucket(kind)).Get([]byte(id))
		if data == nil {
			return nil
		}
		decoded, err := s.decodeRecord(data)
		if err != nil {
			return err
		}
		if !decoded.Expired(time.Now()) {
			rec = decoded
		}
		return nil
	})
	return rec, err
}

// FindByUserCode looks up a device code through the user-code index.
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*storage.Record, error) {
	return s.findByIndex(ctx, userCodeIndexBucket, userCode)
}

// FindByUID looks up a session through the uid index.
func (s *Store) FindByUID(ctx context.Context, uid string) (*storage.Record, error) {
	return s.findByIndex(ctx, uidIndexBucket, uid)
}

func (s *Store) findByIndex(ctx context.Context, bucket []byte, key string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		ref := tx.Bucket(bucket).Get([]byte(key))
		if ref == nil {
			return nil
		}
		kind, id, ok := splitIndexValue(ref)
		if !ok {
			return fmt.Errorf("corrupt index entry for %q", key)
		}
		data := tx.Bucket(kindBucket(kind)).Get([]byte(id))
		if data == nil {
			return nil
		}
		decoded, err := s.decodeRecord(data)
		if err != nil {
			return err
		}
		if !decoded.Expired(time.Now()) {
			rec = decoded
		}
		return nil
	})
	return rec, err
}

// Consume marks a record consumed. Idempotent: the first mark wins.
func (s *Store) Consume(ctx context.Context, kind storage.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(kindBucket(kind))
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		rec, err := s.decodeRecord(data)
		if err != nil {
			return err
		}
		if rec.Consumed() {
			return nil
		}
		rec.ConsumedAt = time.Now()
		encoded, err := s.encodeRecord(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), encoded)
	})
}

// ConsumeOnce atomically checks-and-marks inside a single write transaction;
// bbolt serializes writers, so two concurrent redemptions cannot both
// observe an unconsumed record.
func (s *Store) ConsumeOnce(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var before *storage.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(kindBucket(kind))
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		rec, err := s.decodeRecord(data)
		if err != nil {
			return err
		}
		if rec.Expired(time.Now()) {
			return nil
		}
		if rec.Consumed() {
			return storage.ErrConsumed
		}

		copyRec := *rec
		before = &copyRec

		rec.ConsumedAt = time.Now()
		encoded, err := s.encodeRecord(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), encoded)
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

// Destroy deletes a record and its index entries. Missing ids are a no-op.
func (s *Store) Destroy(ctx context.Context, kind storage.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.destroyInTx(tx, kind, id)
	})
}

func (s *Store) destroyInTx(tx *bbolt.Tx, kind storage.Kind, id string) error {
	bucket := tx.Bucket(kindBucket(kind))
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil
	}
	rec, err := s.decodeRecord(data)
	if err != nil {
		// A corrupt record should still be deletable.
		s.logger.Warn("Destroying undecodable record", "kind", kind, "error", err)
		return bucket.Delete([]byte(id))
	}
	if err := bucket.Delete([]byte(id)); err != nil {
		return err
	}
	if rec.UID != "" {
		if err := tx.Bucket(uidIndexBucket).Delete([]byte(rec.UID)); err != nil {
			return err
		}
	}
	if rec.UserCode != "" {
		if err := tx.Bucket(userCodeIndexBucket).Delete([]byte(rec.UserCode)); err != nil {
			return err
		}
	}
	if rec.GrantID != "" {
		if err := tx.Bucket(grantIndexBucket).Delete(grantIndexKey(rec.GrantID, kind, id)); err != nil {
			return err
		}
	}
	return nil
}

// RevokeByGrantID deletes every artifact referencing the grant. A single
// write transaction makes the cascade atomic and visible before return.
func (s *Store) RevokeByGrantID(ctx context.Context, grantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if grantID == "" {
		return fmt.Errorf("grantID cannot be empty")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		prefix := []byte(grantID + keySeparator)
		c := tx.Bucket(grantIndexBucket).Cursor()

		type target struct {
			kind storage.Kind
			id   string
		}
		var targets []target
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := bytes.TrimPrefix(k, prefix)
			kind, id, ok := splitIndexValue(rest)
			if !ok {
				continue
			}
			targets = append(targets, target{kind, id})
		}

		for _, t := range targets {
			if err := s.destroyInTx(tx, t.kind, t.id); err != nil {
				return err
			}
		}

		s.logger.Debug("Revoked records by grant",
			"grant_id", safeTruncate(grantID, 8),
			"removed", len(targets))
		return nil
	})
}

// CleanupExpired physically deletes soft-expired records. Reads already
// enforce expiry; this bounds database growth and may be run periodically.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, kind := range storage.AllKinds {
			type expired struct{ id string }
			var ids []expired

			c := tx.Bucket(kindBucket(kind)).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				rec, err := s.decodeRecord(v)
				if err != nil {
					continue
				}
				if rec.Expired(now) {
					ids = append(ids, expired{string(k)})
				}
			}
			for _, e := range ids {
				if err := s.destroyInTx(tx, kind, e.id); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
