// Package crypto provides encryption utilities for sensitive data like space secrets.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// Space secrets (service-account JSON, API keys) are encrypted at rest using
// AES-256-GCM. The encryption key should be derived from a platform master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the encryption key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when decryption fails due to invalid ciphertext.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails (wrong key or corrupted data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrInvalidToken is returned when an API token has the wrong shape.
	ErrInvalidToken = errors.New("invalid API token format")

	// ErrTokenMismatch is returned when a token does not match its hash.
	ErrTokenMismatch = errors.New("token does not match")
)

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives a 32-byte AES-256 key from a passphrase using SHA-256.
// This is a simple key derivation function. For production use, consider
// using a proper KDF like Argon2, scrypt, or PBKDF2.
//
// Note: This function is deterministic - same input always produces same output.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// =============================================================================
// AES-256-GCM Encryption
// =============================================================================

// Encrypt encrypts plaintext using AES-256-GCM with the provided key.
// The key must be exactly 32 bytes (256 bits).
//
// The ciphertext format is: nonce (12 bytes) || encrypted data || auth tag (16 bytes)
//
// Returns encrypted bytes or error if encryption fails.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}

	// Use exactly 32 bytes for AES-256
	key = key[:32]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Generate random nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
// The key must be exactly 32 bytes (256 bits).
//
// Returns decrypted plaintext or error if decryption fails.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}

	// Use exactly 32 bytes for AES-256
	key = key[:32]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// Decrypt and verify
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// =============================================================================
// Base64 Encoding Variants
// =============================================================================

// EncryptToBase64 encrypts plaintext and returns base64-encoded ciphertext.
// Useful for storing encrypted data in text fields (JSON, environment variables).
func EncryptToBase64(plaintext, key []byte) (string, error) {
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromBase64 decrypts base64-encoded ciphertext.
func DecryptFromBase64(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return Decrypt(ciphertext, key)
}

// =============================================================================
// API Token Utilities
// =============================================================================

// TokenPrefix marks platform API tokens so they are recognizable in logs
// and secret scanners without revealing the random part.
const TokenPrefix = "spt_"

// tokenRandomBytes is the entropy of the random part of a token.
const tokenRandomBytes = 32

// GenerateToken generates a new API token. The caller stores only the hash;
// the plaintext is shown to the user once.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateTokenFormat checks that a presented token has the expected shape
// before any hash comparison is attempted.
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, TokenPrefix))
	if err != nil || len(raw) != tokenRandomBytes {
		return ErrInvalidToken
	}
	return nil
}

// HashToken hashes an API token with bcrypt for at-rest storage.
func HashToken(token string) (string, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// VerifyToken checks a presented token against its stored bcrypt hash.
func VerifyToken(token, hash string) error {
	if err := ValidateTokenFormat(token); err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return ErrTokenMismatch
	}
	return nil
}

// TokenHint returns a short non-secret hint for display, like "spt_...Ab3d".
func TokenHint(token string) string {
	if len(token) < len(TokenPrefix)+4 {
		return ""
	}
	return TokenPrefix + "..." + token[len(token)-4:]
}
