// Package crypto seals session snapshots at rest with AES-256-GCM.
//
// Sealed values are nonce || ciphertext || tag. The string helpers wrap them
// in standard base64 so they fit JSON strings and text columns.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrAuth is returned when a sealed value fails authentication.
var ErrAuth = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor seals and opens byte slices with an AEAD.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// FromKey returns nil, nil for an empty key so callers can treat
// encryption as optional.
func FromKey(base64Key string) (Encryptor, error) {
	if base64Key == "" {
		return nil, nil
	}
	return NewAESEncryptor(base64Key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+e.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// EncryptString seals s and returns base64. The empty string stays empty.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, b64 string) (string, error) {
	if b64 == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plain, err := enc.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
