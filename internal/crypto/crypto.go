// Package crypto seals OAuth tokens before they reach storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Sealer encrypts and decrypts token strings bound to a user id.
type Sealer interface {
	Seal(userID, plaintext string) (string, error)
	Open(userID, sealed string) (string, error)
}

// TokenEncryptor seals tokens with AES-256-GCM. The user id is used as
// additional authenticated data, so a ciphertext copied onto another user's
// row fails to open.
type TokenEncryptor struct {
	gcm cipher.AEAD
}

var _ Sealer = (*TokenEncryptor)(nil)

// NewTokenEncryptor creates a TokenEncryptor from a base64-encoded 32-byte key.
func NewTokenEncryptor(base64Key string) (*TokenEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return &TokenEncryptor{gcm: gcm}, nil
}

// Seal returns base64(nonce || ciphertext). Empty input stays empty.
func (e *TokenEncryptor) Seal(userID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := e.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (e *TokenEncryptor) Open(userID, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	n := e.gcm.NonceSize()
	if len(raw) < n+e.gcm.Overhead() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := e.gcm.Open(nil, raw[:n], raw[n:], []byte(userID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// Plaintext is the Sealer used when no encryption key is configured.
type Plaintext struct{}

func (Plaintext) Seal(_, plaintext string) (string, error) { return plaintext, nil }
func (Plaintext) Open(_, sealed string) (string, error)    { return sealed, nil }

// GenerateKey returns a fresh base64 key suitable for TOKEN_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
