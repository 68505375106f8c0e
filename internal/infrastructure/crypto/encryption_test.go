package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	// Create encryptor with a fixed key for testing
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	enc, err := NewEncryptorWithKey(key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "simple text",
			plaintext: "hello world",
		},
		{
			name:      "form payload",
			plaintext: `{"formData":{"pan":"ABCDE1234F"},"calculations":null}`,
		},
		{
			name:      "unicode text",
			plaintext: "Hello, \u4e16\u754c!",
		},
		{
			name:      "empty string",
			plaintext: "",
		},
		{
			name:      "long text",
			plaintext: "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Encrypt
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("encrypt failed: %v", err)
			}

			// Decrypt
			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}

			if decrypted != tt.plaintext {
				t.Errorf("roundtrip failed: got %q, want %q", decrypted, tt.plaintext)
			}

			// Verify ciphertext is different from plaintext (unless empty)
			if tt.plaintext != "" && ciphertext == tt.plaintext {
				t.Error("ciphertext should be different from plaintext")
			}
		})
	}
}

func TestEncryptor_InvalidKey(t *testing.T) {
	_, err := NewEncryptorWithKey([]byte("short"))
	if err == nil {
		t.Error("expected error for short key")
	}
}

func TestEncryptor_InvalidCiphertext(t *testing.T) {
	key := make([]byte, 32)
	enc, _ := NewEncryptorWithKey(key)

	// Test with invalid base64
	_, err := enc.Decrypt("not-valid-base64!")
	if err == nil {
		t.Error("expected error for invalid base64")
	}

	// Test with valid base64 but invalid ciphertext
	_, err = enc.Decrypt("SGVsbG8gV29ybGQ=") // "Hello World" in base64
	if err != ErrInvalidCiphertext {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestEncryptor_DifferentCiphertexts(t *testing.T) {
	key := make([]byte, 32)
	enc, _ := NewEncryptorWithKey(key)

	plaintext := "same plaintext"

	// Encrypt twice - should produce different ciphertexts due to random nonce
	ct1, _ := enc.Encrypt(plaintext)
	ct2, _ := enc.Encrypt(plaintext)

	if ct1 == ct2 {
		t.Error("expected different ciphertexts for same plaintext (different nonces)")
	}

	// Both should decrypt to the same plaintext
	pt1, _ := enc.Decrypt(ct1)
	pt2, _ := enc.Decrypt(ct2)

	if pt1 != plaintext || pt2 != plaintext {
		t.Error("both ciphertexts should decrypt to original plaintext")
	}
}

func TestEncryptor_SealBindsAssociatedData(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	enc, err := NewEncryptorWithKey(key)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"schema":1,"formData":{"a":1}}`)
	sealed, err := enc.Seal(payload, []byte("mutation-1"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	opened, err := enc.Open(sealed, []byte("mutation-1"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Errorf("roundtrip mismatch: got %s", opened)
	}

	// ciphertext moved to another row must not open
	if _, err := enc.Open(sealed, []byte("mutation-2")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext for wrong associated data, got %v", err)
	}
}

func TestEncryptor_WrongKey(t *testing.T) {
	a, _ := NewEncryptorWithKey(bytes.Repeat([]byte{1}, 32))
	b, _ := NewEncryptorWithKey(bytes.Repeat([]byte{2}, 32))

	sealed, err := a.Seal([]byte("secret"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed, nil); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestNewEncryptor_PersistsSalt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")

	first, err := NewEncryptor(dir)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, ".salt"))
	if err != nil {
		t.Fatalf("salt file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected salt permissions 0600, got %v", info.Mode().Perm())
	}

	sealed, err := first.Seal([]byte("kept across restarts"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// a second encryptor over the same dir derives the same key
	second, err := NewEncryptor(dir)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := second.Open(sealed, nil)
	if err != nil {
		t.Fatalf("open with reloaded key failed: %v", err)
	}
	if string(opened) != "kept across restarts" {
		t.Errorf("unexpected plaintext %q", opened)
	}
}
