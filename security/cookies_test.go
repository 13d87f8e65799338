package security

import (
	"strings"
	"testing"
)

func TestSignAndVerifyCookieValue(t *testing.T) {
	keys := [][]byte{[]byte("0123456789abcdef0123456789abcdef")}

	signed := SignCookieValue("session-uid", keys)
	if !strings.HasPrefix(signed, "session-uid.") {
		t.Fatalf("expected signed value to keep the bare value as prefix, got %q", signed)
	}

	value, ok := VerifyCookieValue(signed, keys)
	if !ok {
		t.Fatal("expected signature to verify")
	}
	if value != "session-uid" {
		t.Errorf("expected bare value %q, got %q", "session-uid", value)
	}
}

func TestVerifyCookieValue_Tampered(t *testing.T) {
	keys := [][]byte{[]byte("0123456789abcdef0123456789abcdef")}

	signed := SignCookieValue("session-uid", keys)
	tampered := strings.Replace(signed, "session-uid", "other-uid", 1)

	if _, ok := VerifyCookieValue(tampered, keys); ok {
		t.Error("expected tampered value to fail verification")
	}
}

func TestVerifyCookieValue_WrongKey(t *testing.T) {
	signKeys := [][]byte{[]byte("0123456789abcdef0123456789abcdef")}
	otherKeys := [][]byte{[]byte("fedcba9876543210fedcba9876543210")}

	signed := SignCookieValue("session-uid", signKeys)

	if _, ok := VerifyCookieValue(signed, otherKeys); ok {
		t.Error("expected verification with the wrong key to fail")
	}
}

func TestVerifyCookieValue_SurvivesKeyRotation(t *testing.T) {
	oldKey := []byte("0123456789abcdef0123456789abcdef")
	newKey := []byte("fedcba9876543210fedcba9876543210")

	// Signed before rotation.
	signed := SignCookieValue("session-uid", [][]byte{oldKey})

	// After rotation the new key signs but the old one still verifies.
	rotated := [][]byte{newKey, oldKey}
	value, ok := VerifyCookieValue(signed, rotated)
	if !ok {
		t.Fatal("expected cookie signed with the retired key to still verify")
	}
	if value != "session-uid" {
		t.Errorf("expected bare value %q, got %q", "session-uid", value)
	}
}

func TestVerifyCookieValue_Malformed(t *testing.T) {
	keys := [][]byte{[]byte("0123456789abcdef0123456789abcdef")}

	if _, ok := VerifyCookieValue("no-signature", keys); ok {
		t.Error("expected value without a signature to fail")
	}
	if _, ok := VerifyCookieValue("value.!!not-base64!!", keys); ok {
		t.Error("expected invalid base64 signature to fail")
	}
	if _, ok := VerifyCookieValue("", keys); ok {
		t.Error("expected empty value to fail")
	}
}

func TestSignCookieValue_NoKeys(t *testing.T) {
	if got := SignCookieValue("session-uid", nil); got != "session-uid" {
		t.Errorf("expected pass-through without keys, got %q", got)
	}
	if _, ok := VerifyCookieValue("session-uid.sig", nil); ok {
		t.Error("expected verification without keys to fail")
	}
}
