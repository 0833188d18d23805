package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKeyHex)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	secret := "client-secret-xyz-123"
	ciphertext, err := enc.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == secret {
		t.Fatal("ciphertext equals plaintext")
	}
	if strings.Contains(ciphertext, secret) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != secret {
		t.Fatalf("round trip mismatch: got %q, want %q", got, secret)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewAESEncryptor(testKeyHex)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	a, err := enc.Encrypt("same value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt("same value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewAESEncryptor(testKeyHex)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	ciphertext, err := enc.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := enc.Decrypt("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := enc.Decrypt("c2hvcnQ="); err == nil {
		t.Error("expected error for short ciphertext")
	}

	// Flip a byte in the sealed portion.
	tampered := []byte(ciphertext)
	tampered[len(tampered)-5] ^= 'x'
	if _, err := enc.Decrypt(string(tampered)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestNewAESEncryptorRejectsBadKeys(t *testing.T) {
	if _, err := NewAESEncryptor("not hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	short := hex.EncodeToString(make([]byte, 16))
	if _, err := NewAESEncryptor(short); err == nil {
		t.Error("expected error for 16-byte key")
	}
}

func TestServiceWithoutKeyRefusesOperations(t *testing.T) {
	svc, err := NewService("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service without key reports enabled")
	}

	if _, err := svc.Encrypt("secret"); err != ErrNoEncryptionKey {
		t.Errorf("Encrypt error = %v, want ErrNoEncryptionKey", err)
	}
	if _, err := svc.Decrypt("whatever"); err != ErrNoEncryptionKey {
		t.Errorf("Decrypt error = %v, want ErrNoEncryptionKey", err)
	}
}

func TestServiceWithKeyRoundTrips(t *testing.T) {
	svc, err := NewService(testKeyHex, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if !svc.Enabled() {
		t.Fatal("service with key reports disabled")
	}

	ct, err := svc.Encrypt("api-key-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := svc.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "api-key-value" {
		t.Fatalf("round trip mismatch: got %q", pt)
	}
}
