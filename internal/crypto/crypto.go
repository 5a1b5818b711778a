// Package crypto seals and opens the symmetric secret envelopes the config
// layer accepts for provisioned credentials: an AES-GCM ciphertext,
// hex-encoded, carried behind an "enc:" prefix and unsealed with
// ENCRYPTION_KEY at startup. Values without the prefix pass through as
// plaintext, so deployments can adopt envelopes secret by secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EnvelopePrefix marks a config value as a sealed secret rather than
// plaintext.
const EnvelopePrefix = "enc:"

// deriveKey turns the operator-supplied key string into a usable AES key:
// a hex string of valid AES key length (16, 24 or 32 bytes) is taken
// as-is; anything else is hashed to a 32-byte key.
func deriveKey(keyString string) []byte {
	if decoded, err := hex.DecodeString(keyString); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded
		}
	}
	sum := sha256.Sum256([]byte(keyString))
	return sum[:]
}

// IsEnvelope reports whether value carries the sealed-secret prefix.
func IsEnvelope(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}

// Seal encrypts plaintext with AES-GCM under keyString and returns the
// prefixed, hex-encoded envelope (nonce followed by ciphertext).
func Seal(plaintext, keyString string) (string, error) {
	block, err := aes.NewCipher(deriveKey(keyString))
	if err != nil {
		return "", fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EnvelopePrefix + hex.EncodeToString(sealed), nil
}

// Open unseals a value produced by Seal. A value without the envelope
// prefix is returned untouched, so callers can route every loaded secret
// through Open unconditionally. An authentication failure usually means
// the wrong ENCRYPTION_KEY.
func Open(value, keyString string) (string, error) {
	if !IsEnvelope(value) {
		return value, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(value, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: envelope is not valid hex: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(keyString))
	if err != nil {
		return "", fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("crypto: envelope is too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to open envelope: %w", err)
	}
	return string(plain), nil
}
