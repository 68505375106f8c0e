// Package crypto provides canonical hashing and at-rest encryption for
// queued mutation payloads.
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
	"os"
	"path/filepath"
)

// ErrInvalidCiphertext is returned when decryption fails due to invalid data.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Encryptor seals payloads with AES-256-GCM.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor with a machine-derived key. The salt is
// kept in dir/.salt so data encrypted on one machine only opens there.
func NewEncryptor(dir string) (*Encryptor, error) {
	key, err := deriveKey(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return NewEncryptorWithKey(key)
}

// NewEncryptorWithKey creates an Encryptor with a specific key.
// The key should be 32 bytes for AES-256.
func NewEncryptorWithKey(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, errors.New("key must be 32 bytes for AES-256")
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

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
// associated is authenticated but not encrypted; the same value must be
// passed to Open. Callers bind ciphertext to its row by passing the row id.
func (e *Encryptor) Seal(plaintext, associated []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, associated)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(encoded string, associated []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, associated)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

// Encrypt encrypts a string with no associated data.
// An empty plaintext encrypts to an empty string.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return e.Seal([]byte(plaintext), nil)
}

// Decrypt decrypts a value produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plaintext, err := e.Open(ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// deriveKey derives a 32-byte key from the hostname and a per-user salt.
func deriveKey(dir string) ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	salt, err := getOrCreateSalt(dir)
	if err != nil {
		return nil, err
	}

	combined := fmt.Sprintf("%s:%s", hostname, string(salt))
	hash := sha256.Sum256([]byte(combined))
	return hash[:], nil
}

// getOrCreateSalt gets or creates a random salt stored in dir/.salt.
// An empty dir means ~/.taxsync.
func getOrCreateSalt(dir string) ([]byte, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".taxsync")
	}

	saltFile := filepath.Join(dir, ".salt")

	salt, err := os.ReadFile(saltFile) //nolint:gosec // fixed name under the config dir
	if err == nil && len(salt) == 32 {
		return salt, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	salt = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if err := os.WriteFile(saltFile, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}

	return salt, nil
}
