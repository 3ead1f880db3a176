// Package secrets provides the OS-keychain-backed envelope used for secret
// fields in settings files. Values are stored as "encrypted:<base64 blob>"
// where the blob is AES-256-GCM sealed with a master key held in the OS
// keychain.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// EnvelopePrefix marks an encrypted settings value.
	EnvelopePrefix = "encrypted:"
	// Masked is what subscribers and UIs see instead of a secret value.
	Masked = "***configured***"

	keyringService = "cowork.settings"
	keyringUser    = "master-key"
	envMasterKey   = "COWORK_MASTER_KEY"
)

// ErrKeychainUnavailable is returned when the OS keychain cannot be reached.
// New secrets are refused in that state; previously sealed values become
// readable again once keychain access returns.
var ErrKeychainUnavailable = errors.New("os keychain unavailable")

// MasterKey returns the 32-byte AES master key, creating one in the keychain
// if necessary. COWORK_MASTER_KEY overrides the keychain (tests, containers).
func MasterKey() ([]byte, error) {
	if envKey := strings.TrimSpace(os.Getenv(envMasterKey)); envKey != "" {
		key, err := decodeKey(envKey)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envMasterKey, err)
		}
		return key, nil
	}

	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return decodeKey(stored)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		slog.Error("Keychain access failed; refusing to handle secrets", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrKeychainUnavailable, err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(key)
	if err := keyring.Set(keyringService, keyringUser, encoded); err != nil {
		slog.Error("Keychain write failed; refusing to store secrets in plaintext", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrKeychainUnavailable, err)
	}
	return key, nil
}

func decodeKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	decoded, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(decoded))
	}
	return decoded, nil
}

// Seal encrypts a plaintext secret into the "encrypted:" envelope form.
func Seal(plain string) (string, error) {
	key, err := MasterKey()
	if err != nil {
		return "", err
	}
	return SealWithKey(plain, key)
}

// SealWithKey encrypts with an explicit 32-byte key.
func SealWithKey(plain string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return EnvelopePrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope value. Non-envelope values are returned as-is so
// plaintext legacy fields keep working.
func Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	key, err := MasterKey()
	if err != nil {
		return "", err
	}
	return OpenWithKey(value, key)
}

// OpenWithKey decrypts with an explicit 32-byte key.
func OpenWithKey(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("malformed secret envelope: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("malformed secret envelope: short blob")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether a value carries the envelope prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}

// Mask returns the fixed masked token for configured secrets, or "" when the
// value is empty. Plaintext is never returned to subscribers.
func Mask(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return Masked
}
