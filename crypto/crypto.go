// Package crypto seals OAuth tokens before they are written to a token store.
// It uses AES-256-GCM; sealed values are base64 text so they fit JSON files
// and TEXT columns alike.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Version tags stored next to sealed values so readers know how to open them.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Sealer encrypts and decrypts token material.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// AESSealer implements Sealer with AES-256-GCM (nonce || ciphertext || tag).
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key
// (openssl rand -base64 32). Standard and URL alphabets are accepted.
func NewAESSealer(base64Key string) (*AESSealer, error) {
	base64Key = strings.TrimSpace(base64Key)
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		if key, err = base64.URLEncoding.DecodeString(base64Key); err != nil {
			return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
		}
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
	return &AESSealer{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (s *AESSealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (s *AESSealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+s.aead.Overhead(), len(sealed))
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals s and returns base64 text plus the version tag to store with it.
// A nil sealer or empty input passes the value through as plaintext.
func SealString(sealer Sealer, s string) (string, int, error) {
	if sealer == nil || s == "" {
		return s, VersionPlaintext, nil
	}
	out, err := sealer.Seal([]byte(s))
	if err != nil {
		return "", 0, err
	}
	return base64.StdEncoding.EncodeToString(out), VersionAESGCM, nil
}

// OpenString reverses SealString for the given version tag.
func OpenString(sealer Sealer, s string, version int) (string, error) {
	switch version {
	case VersionPlaintext:
		return s, nil
	case VersionAESGCM:
		if sealer == nil {
			return "", fmt.Errorf("value is encrypted but ENCRYPTION_KEY is not set")
		}
		if s == "" {
			return "", nil
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("base64 decode failed: %w", err)
		}
		out, err := sealer.Open(raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown encryption version %d", version)
	}
}
