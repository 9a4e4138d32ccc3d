package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
)

// encryptCredential mirrors the provisioning service's output format:
// iv:tag:ciphertext, hex-encoded, AES-256-GCM with a 16 byte IV.
func encryptCredential(t *testing.T, plaintext, keyHex string) string {
	t.Helper()

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		t.Fatalf("bad key: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("iv: %v", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext)
}

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestDecryptCredential(t *testing.T) {
	stored := encryptCredential(t, "api-key-value", testKey)

	got, err := DecryptCredential(stored, testKey)
	if err != nil {
		t.Fatalf("DecryptCredential failed: %v", err)
	}
	if got != "api-key-value" {
		t.Errorf("expected 'api-key-value', got %q", got)
	}
}

func TestDecryptCredentialBadFormat(t *testing.T) {
	cases := []string{
		"",
		"onlyonepart",
		"two:parts",
		"a:b:c:d",
	}
	for _, stored := range cases {
		if _, err := DecryptCredential(stored, testKey); err == nil {
			t.Errorf("expected error for %q", stored)
		}
	}
}

func TestDecryptCredentialWrongKey(t *testing.T) {
	stored := encryptCredential(t, "secret", testKey)

	wrongKey := strings.Repeat("ff", 32)
	if _, err := DecryptCredential(stored, wrongKey); err == nil {
		t.Error("expected decryption to fail with wrong key")
	}
}

func TestDecryptCredentialShortKey(t *testing.T) {
	stored := encryptCredential(t, "secret", testKey)

	if _, err := DecryptCredential(stored, "abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestLoadEncryptionKeyFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	key, err := LoadEncryptionKey()
	if err != nil {
		t.Fatalf("LoadEncryptionKey failed: %v", err)
	}
	if key != testKey {
		t.Errorf("expected env key, got %q", key)
	}
}
