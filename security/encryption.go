package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks values produced by Seal so Open can tell them apart
// from plaintext rows written before encryption was enabled.
const sealedPrefix = "enc:v1:"

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("failed to decrypt")

// Encryptor seals values with AES-256-GCM. The zero-key Encryptor is disabled
// and passes values through.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor.
// An empty key disables encryption; otherwise the key must be 32 bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// EncryptBytes returns nonce||ciphertext. additional is authenticated but not
// encrypted; pass the record identifier to bind a ciphertext to its row.
func (e *Encryptor) EncryptBytes(plaintext, additional []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// DecryptBytes reverses EncryptBytes.
func (e *Encryptor) DecryptBytes(ciphertext, additional []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return ciphertext, nil
	}
	ns := e.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext and returns it base64url encoded.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}
	ct, err := e.EncryptBytes([]byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if !e.IsEnabled() {
		return encoded, nil
	}
	ct, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	pt, err := e.DecryptBytes(ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Seal encrypts a stored secret bound to recordID and tags it with a version
// prefix. Empty secrets stay empty.
func (e *Encryptor) Seal(secret, recordID string) (string, error) {
	if secret == "" || !e.IsEnabled() {
		return secret, nil
	}
	ct, err := e.EncryptBytes([]byte(secret), []byte(recordID))
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(ct), nil
}

// Open returns the plaintext of a value produced by Seal. Values without the
// prefix are returned as-is so plaintext rows keep working after encryption
// is switched on.
func (e *Encryptor) Open(stored, recordID string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !e.IsEnabled() {
		return "", fmt.Errorf("%w: value is encrypted but no key is configured", ErrDecrypt)
	}
	ct, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	pt, err := e.DecryptBytes(ct, []byte(recordID))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 encryption key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
