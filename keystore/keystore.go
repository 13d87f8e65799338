// Package keystore manages the server's signing key material: JWK
// generation, deterministic kid derivation, rotation, and the public-only
// verifier sets exposed to clients. Private key components never leave this
// package except inside the persisted Config singleton.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/veridianlabs/idp/storage"
)

// Supported signing algorithms.
const (
	AlgES256 = "ES256"
	AlgPS256 = "PS256"
)

const (
	// rsaKeyBits is the modulus size for generated RSA keys.
	rsaKeyBits = 2048

	// cookieKeyBytes is the size of a generated cookie HMAC secret.
	cookieKeyBytes = 32

	// minCookieKeys is the number of cookie secrets kept for rotation
	// (newest signs, all verify).
	minCookieKeys = 2

	// maxKeysPerType bounds the rotation window: once this many keys of a
	// key type exist, rotating evicts the oldest instead of growing the set.
	maxKeysPerType = 3
)

var (
	// ErrUnsupportedAlgorithm is returned by RotateKey for algorithms other
	// than ES256 and PS256.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

	// ErrNotInitialized is returned when key operations run before
	// InitializeKeys has populated the config singleton.
	ErrNotInitialized = errors.New("key material not initialized")

	// ErrRotationConflict is returned when a concurrent rotation updated the
	// config between read and write. The caller may retry; the losing
	// rotation is rejected rather than silently merged.
	ErrRotationConflict = errors.New("concurrent key rotation detected")
)

// Config is the server-wide singleton holding signing keys and cookie
// secrets. JWKS entries are private JWKs in JSON form, oldest first per key
// type; CookieKeys are base64 HMAC secrets, newest first.
type Config struct {
	Version    int64             `json:"version"`
	JWKS       []json.RawMessage `json:"jwks"`
	CookieKeys []string          `json:"cookieKeys"`
}

func (c *Config) ArtifactKind() storage.Kind { return storage.KindConfig }
func (c *Config) ArtifactID() string         { return storage.ConfigSingletonID }

// Store loads and mutates the key material through the persistence adapter.
type Store struct {
	adapter storage.Adapter
	logger  *slog.Logger

	// rotateMu serializes in-process rotations; the Version field guards
	// against cross-process interleaving (compare-and-reject).
	rotateMu sync.Mutex
}

// New creates a key store over the given adapter.
func New(adapter storage.Adapter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{adapter: adapter, logger: logger}
}

// GenerateKeys generates one EC (ES256) and one RSA/PSS (PS256) private JWK.
// A generation failure is fatal to the caller at boot; there is no fallback.
func GenerateKeys() (ecKey, rsaKey json.RawMessage, err error) {
	ecRaw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate EC key: %w", err)
	}
	ecKey, err = privateJWK(ecRaw, AlgES256)
	if err != nil {
		return nil, nil, err
	}

	rsaRaw, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	rsaKey, err = privateJWK(rsaRaw, AlgPS256)
	if err != nil {
		return nil, nil, err
	}

	return ecKey, rsaKey, nil
}

// privateJWK converts a raw private key into a serialized JWK with alg, use
// and a deterministic kid.
func privateJWK(raw any, alg string) (json.RawMessage, error) {
	key, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize key: %w", err)
	}

	kid, err := CalculateKid(serialized)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	return json.Marshal(key)
}

// CalculateKid derives the deterministic key identifier for a JWK:
// base64url(SHA-256(canonical JSON of the public-component subset)), with
// members in sorted key order (e,kty,n for RSA; crv,kty,x,y for EC;
// crv,kty,x for OKP). Unrelated members (alg, use, kid, private components)
// do not affect the result, so re-deriving a kid for the same public key
// always yields the same value.
func CalculateKid(keyJSON json.RawMessage) (string, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(keyJSON, &members); err != nil {
		return "", fmt.Errorf("failed to parse JWK: %w", err)
	}

	var ktyStr string
	if raw, ok := members["kty"]; ok {
		_ = json.Unmarshal(raw, &ktyStr)
	}

	var required []string
	switch ktyStr {
	case "RSA":
		required = []string{"e", "kty", "n"}
	case "EC":
		required = []string{"crv", "kty", "x", "y"}
	case "OKP":
		required = []string{"crv", "kty", "x"}
	default:
		return "", fmt.Errorf("unsupported key type %q", ktyStr)
	}

	// Build the canonical form by hand: JSON object with exactly the
	// required members, sorted key order, no whitespace.
	buf := []byte{'{'}
	for i, name := range required {
		raw, ok := members[name]
		if !ok {
			return "", fmt.Errorf("JWK missing required member %q", name)
		}
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = append(buf, name...)
		buf = append(buf, '"', ':')
		buf = append(buf, raw...)
	}
	buf = append(buf, '}')

	sum := sha256.Sum256(buf)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// privateMembers are the JWK members that must never appear in an external
// key set.
var privateMembers = []string{"d", "p", "q", "dp", "dq", "qi", "oth"}

// CalculatePublicSet strips private components from each private JWK,
// computes any missing kid, and returns a verifier set. The set is usable
// for local signature verification of the server's own tokens.
func CalculatePublicSet(privateJWKs []json.RawMessage) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, raw := range privateJWKs {
		var members map[string]json.RawMessage
		if err := json.Unmarshal(raw, &members); err != nil {
			return nil, fmt.Errorf("failed to parse private JWK: %w", err)
		}
		for _, m := range privateMembers {
			delete(members, m)
		}
		if _, ok := members["kid"]; !ok {
			publicJSON, err := json.Marshal(members)
			if err != nil {
				return nil, err
			}
			kid, err := CalculateKid(publicJSON)
			if err != nil {
				return nil, err
			}
			kidJSON, _ := json.Marshal(kid)
			members["kid"] = kidJSON
		}

		publicJSON, err := json.Marshal(members)
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(publicJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public JWK: %w", err)
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// InitializeKeys ensures the config singleton exists and is complete:
// two signing keys (one EC, one RSA/PSS) and two cookie secrets. The two
// halves are backfilled independently, and the call is idempotent: a
// complete config is never modified.
func (s *Store) InitializeKeys(ctx context.Context) error {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}

	if cfg == nil {
		cfg = &Config{}
	}

	changed := false

	if len(cfg.JWKS) < 2 {
		ecKey, rsaKey, err := GenerateKeys()
		if err != nil {
			return fmt.Errorf("key generation failed: %w", err)
		}
		// Backfill only what is missing so a half-initialized config is
		// repaired rather than regenerated.
		if !s.hasKeyType(cfg.JWKS, "EC") {
			cfg.JWKS = append(cfg.JWKS, ecKey)
		}
		if !s.hasKeyType(cfg.JWKS, "RSA") {
			cfg.JWKS = append(cfg.JWKS, rsaKey)
		}
		changed = true
	}

	if len(cfg.CookieKeys) < minCookieKeys {
		for len(cfg.CookieKeys) < minCookieKeys {
			secret, err := generateCookieSecret()
			if err != nil {
				return fmt.Errorf("cookie secret generation failed: %w", err)
			}
			cfg.CookieKeys = append([]string{secret}, cfg.CookieKeys...)
		}
		changed = true
	}

	if !changed {
		return nil
	}

	cfg.Version++
	if err := storage.Upsert(ctx, s.adapter, cfg, 0); err != nil {
		return fmt.Errorf("failed to persist key config: %w", err)
	}

	s.logger.Info("Initialized key material",
		"keys", len(cfg.JWKS),
		"cookie_keys", len(cfg.CookieKeys))
	return nil
}

// RotateKey generates a fresh key for the given algorithm and installs it.
// Policy: while fewer than maxKeysPerType keys of the target key type exist,
// the new key is appended and older keys stay valid for verification; at the
// bound, the oldest key of that type is evicted before appending. There is
// no audit trail of retired keys.
func (s *Store) RotateKey(ctx context.Context, alg string) error {
	if alg != AlgES256 && alg != AlgPS256 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil || len(cfg.JWKS) < 2 {
		return ErrNotInitialized
	}
	loadedVersion := cfg.Version

	targetType := "EC"
	if alg == AlgPS256 {
		targetType = "RSA"
	}

	ecKey, rsaKey, err := GenerateKeys()
	if err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}
	newKey := ecKey
	if targetType == "RSA" {
		newKey = rsaKey
	}

	if s.countKeyType(cfg.JWKS, targetType) >= maxKeysPerType {
		cfg.JWKS = s.removeOldestOfType(cfg.JWKS, targetType)
	}
	cfg.JWKS = append(cfg.JWKS, newKey)

	// Optimistic concurrency: reject if another writer bumped the version
	// between our read and this write.
	current, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.Version != loadedVersion {
		return ErrRotationConflict
	}

	cfg.Version++
	if err := storage.Upsert(ctx, s.adapter, cfg, 0); err != nil {
		return fmt.Errorf("failed to persist rotated keys: %w", err)
	}

	s.logger.Info("Rotated signing key",
		"alg", alg,
		"keys_of_type", s.countKeyType(cfg.JWKS, targetType))
	return nil
}

// PublicJWKS returns the public verifier set for the /jwks endpoint.
func (s *Store) PublicJWKS(ctx context.Context) (jwk.Set, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	return CalculatePublicSet(cfg.JWKS)
}

// SigningKey returns the newest private key for the given algorithm, parsed
// and ready for use.
func (s *Store) SigningKey(ctx context.Context, alg string) (jwk.Key, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}

	targetType := "EC"
	if alg == AlgPS256 {
		targetType = "RSA"
	}

	// Newest key of the type signs; older ones only verify.
	for i := len(cfg.JWKS) - 1; i >= 0; i-- {
		if keyType(cfg.JWKS[i]) == targetType {
			key, err := jwk.ParseKey(cfg.JWKS[i])
			if err != nil {
				return nil, fmt.Errorf("failed to parse signing key: %w", err)
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s key present", ErrNotInitialized, targetType)
}

// CookieKeys returns the decoded cookie HMAC secrets, newest first.
func (s *Store) CookieKeys(ctx context.Context) ([][]byte, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}

	keys := make([][]byte, 0, len(cfg.CookieKeys))
	for _, encoded := range cfg.CookieKeys {
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("corrupt cookie key: %w", err)
		}
		keys = append(keys, decoded)
	}
	return keys, nil
}

func (s *Store) loadConfig(ctx context.Context) (*Config, error) {
	cfg, _, err := storage.Find[Config](ctx, s.adapter, storage.KindConfig, storage.ConfigSingletonID)
	if err != nil {
		return nil, fmt.Errorf("failed to load key config: %w", err)
	}
	return cfg, nil
}

func (s *Store) hasKeyType(jwks []json.RawMessage, kty string) bool {
	return s.countKeyType(jwks, kty) > 0
}

func (s *Store) countKeyType(jwks []json.RawMessage, kty string) int {
	n := 0
	for _, raw := range jwks {
		if keyType(raw) == kty {
			n++
		}
	}
	return n
}

// removeOldestOfType drops the first (oldest) key of the given type.
func (s *Store) removeOldestOfType(jwks []json.RawMessage, kty string) []json.RawMessage {
	for i, raw := range jwks {
		if keyType(raw) == kty {
			return append(jwks[:i:i], jwks[i+1:]...)
		}
	}
	return jwks
}

func keyType(raw json.RawMessage) string {
	var probe struct {
		Kty string `json:"kty"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Kty
}

func generateCookieSecret() (string, error) {
	buf := make([]byte, cookieKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
