// Package envelope seals message content for storage and transport.
//
// An envelope is three hex fields joined by '.': a 12 byte nonce, a 16 byte
// authentication tag and the ciphertext body. The body is empty for empty
// plaintext.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead

	separator = "."
)

var (
	ErrDecryption = errors.New("envelope: decryption failed")
	ErrKeyLength  = fmt.Errorf("envelope: shared secret must be exactly %d bytes", KeySize)
)

// Secret is a symmetric key agreed out of band.
type Secret [KeySize]byte

// ParseSecret decodes a hex shared secret. It must decode to exactly KeySize
// bytes.
func ParseSecret(s string) (Secret, error) {
	var key Secret
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("envelope: shared secret is not hex: %w", err)
	}
	if len(raw) != KeySize {
		return key, ErrKeyLength
	}
	copy(key[:], raw)
	return key, nil
}

// ParseSecretTruncating accepts secrets longer than KeySize and keeps only the
// first KeySize bytes. Discarding key material weakens the secret; it exists
// only to read secrets produced by older clients that emitted 64 byte values.
// Shorter secrets are still rejected.
func ParseSecretTruncating(s string) (Secret, error) {
	var key Secret
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("envelope: shared secret is not hex: %w", err)
	}
	if len(raw) < KeySize {
		return key, ErrKeyLength
	}
	copy(key[:], raw[:KeySize])
	return key, nil
}

// NewSecret returns a random secret.
func NewSecret() (Secret, error) {
	var key Secret
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func (s Secret) String() string { return hex.EncodeToString(s[:]) }

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(plaintext []byte, key Secret) (string, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	body, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]
	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(body),
	}, separator), nil
}

// Open authenticates and decrypts an envelope produced by Seal. Every failure,
// including malformed input, is reported as ErrDecryption.
func Open(env string, key Secret) ([]byte, error) {
	parts := strings.Split(env, separator)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrDecryption, len(parts))
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecryption)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrDecryption)
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad body", ErrDecryption)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return nil, ErrDecryption
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// SealString and OpenString are conveniences for text content.
func SealString(plaintext string, key Secret) (string, error) {
	return Seal([]byte(plaintext), key)
}

func OpenString(env string, key Secret) (string, error) {
	b, err := Open(env, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
