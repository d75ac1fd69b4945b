package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *TokenEncryptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	enc, err := NewTokenEncryptor(key)
	if err != nil {
		t.Fatalf("NewTokenEncryptor failed: %v", err)
	}
	return enc
}

func TestTokenEncryptor_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	sealed, err := enc.Seal("5511987654321", "strava-access-token")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if sealed == "strava-access-token" || strings.Contains(sealed, "strava") {
		t.Fatalf("token not sealed: %q", sealed)
	}
	plain, err := enc.Open("5511987654321", sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if plain != "strava-access-token" {
		t.Errorf("Open = %q", plain)
	}

	again, _ := enc.Seal("5511987654321", "strava-access-token")
	if again == sealed {
		t.Error("two seals of the same token should differ by nonce")
	}
}

func TestTokenEncryptor_BoundToUser(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, _ := enc.Seal("user-a", "secret")
	if _, err := enc.Open("user-b", sealed); err == nil {
		t.Error("expected failure opening another user's token")
	}
}

func TestTokenEncryptor_EmptyAndGarbage(t *testing.T) {
	enc := newTestEncryptor(t)
	if s, err := enc.Seal("u", ""); err != nil || s != "" {
		t.Errorf("Seal(empty) = %q, %v", s, err)
	}
	if p, err := enc.Open("u", ""); err != nil || p != "" {
		t.Errorf("Open(empty) = %q, %v", p, err)
	}
	if _, err := enc.Open("u", "not base64!"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := enc.Open("u", base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected short ciphertext error")
	}
}

func TestNewTokenEncryptor_InvalidKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("sixteen byte key"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenEncryptor(tt.key); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPlaintext(t *testing.T) {
	var s Sealer = Plaintext{}
	sealed, _ := s.Seal("u", "tok")
	plain, _ := s.Open("u", sealed)
	if sealed != "tok" || plain != "tok" {
		t.Errorf("Plaintext altered the token: %q %q", sealed, plain)
	}
}
