// Package credential encrypts provider API keys before they are written to
// the config store, so a copied database does not leak secrets in the clear.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const keySalt = "fsbridge-keystore-v1"

// ErrInvalidCiphertext is returned when stored data cannot be decrypted,
// typically because it was written on another machine or corrupted.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Manager encrypts and decrypts secrets with a key derived from a local
// passphrase. The default passphrase is machine-scoped (hostname + user), so
// moving the database to another machine invalidates the stored keys.
type Manager struct {
	key []byte
}

// NewManager derives the encryption key from the passphrase. An empty
// passphrase falls back to the machine identity.
func NewManager(passphrase string) *Manager {
	if passphrase == "" {
		host, _ := os.Hostname()
		passphrase = host + ":" + os.Getenv("USER")
	}
	sum := sha256.Sum256([]byte(keySalt + passphrase))
	return &Manager{key: sum[:]}
}

// Encrypt seals a secret and returns it base64-encoded, nonce prefixed.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (m *Manager) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// MaskSecret renders a secret safe for logs and terminal output.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
