package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// ErrNoEncryptionKey is returned when a caller tries to store or read a
// secret but no encryption key is configured. Secrets are never persisted in
// plaintext as a fallback.
var ErrNoEncryptionKey = errors.New("crypto: no encryption key configured")

// Encryptor encrypts and decrypts sensitive string values such as provider
// credentials before they touch the database.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type aesEncryptor struct {
	gcm cipher.AEAD
}

// NewAESEncryptor builds an AES-256-GCM encryptor from a hex-encoded 32-byte
// key. Ciphertexts are base64 strings with the nonce prepended.
func NewAESEncryptor(keyHex string) (Encryptor, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &aesEncryptor{gcm: gcm}, nil
}

func (e *aesEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *aesEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// Service wraps an Encryptor with an enabled flag so the rest of the code can
// hold a single value regardless of configuration. When no key is configured
// the service refuses to encrypt or decrypt rather than passing plaintext
// through.
type Service struct {
	encryptor Encryptor
	enabled   bool
}

func NewService(keyHex string, logger zerolog.Logger) (*Service, error) {
	if keyHex == "" {
		logger.Warn().Msg("no encryption key configured, credential storage disabled")
		return &Service{enabled: false}, nil
	}

	enc, err := NewAESEncryptor(keyHex)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("credential encryption enabled")
	return &Service{encryptor: enc, enabled: true}, nil
}

// Enabled reports whether an encryption key is configured.
func (s *Service) Enabled() bool {
	return s.enabled
}

func (s *Service) Encrypt(plaintext string) (string, error) {
	if !s.enabled {
		return "", ErrNoEncryptionKey
	}
	return s.encryptor.Encrypt(plaintext)
}

func (s *Service) Decrypt(ciphertext string) (string, error) {
	if !s.enabled {
		return "", ErrNoEncryptionKey
	}
	return s.encryptor.Decrypt(ciphertext)
}
