package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// SignCookieValue signs a cookie value with the first (newest) key. The
// output is "<value>.<base64url signature>"; the value itself must not
// contain a dot.
func SignCookieValue(value string, keys [][]byte) string {
	if len(keys) == 0 {
		return value
	}
	mac := hmac.New(sha256.New, keys[0])
	mac.Write([]byte(value))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return value + "." + sig
}

// VerifyCookieValue verifies a signed cookie value against every key, newest
// first, so cookies signed before a key rotation stay valid until they
// expire. Returns the bare value and whether any key matched.
func VerifyCookieValue(signed string, keys [][]byte) (string, bool) {
	i := strings.LastIndexByte(signed, '.')
	if i < 0 {
		return "", false
	}
	value, sigB64 := signed[:i], signed[i+1:]
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", false
	}

	for _, key := range keys {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(value))
		if subtle.ConstantTimeCompare(mac.Sum(nil), sig) == 1 {
			return value, true
		}
	}
	return "", false
}
