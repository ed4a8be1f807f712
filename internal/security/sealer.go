// Package security seals store API keys for storage at rest. Sealed
// values are opaque strings safe to persist in a text column; opening
// them requires the process seal secret.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// SealConfig defines key derivation and cipher parameters
type SealConfig struct {
	// SCRYPT parameters
	SCryptN      int // CPU/memory cost parameter
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Key length in bytes (32 for AES-256)

	// AES-GCM nonce size
	NonceSize int
}

// DefaultSealConfig returns the production parameters
func DefaultSealConfig() *SealConfig {
	return &SealConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

const (
	sealVersion      = 1
	sealSaltSize     = 32
	minSecretLength  = 16
	gcmOverheadBytes = 16
)

var (
	// ErrSealedCorrupt is returned for envelopes that cannot be parsed.
	ErrSealedCorrupt = errors.New("sealed value corrupt")

	// ErrUnsealFailed is returned when authentication fails, which covers
	// both tampering and a wrong seal secret.
	ErrUnsealFailed = errors.New("unseal failed")
)

// Sealer encrypts and decrypts store API keys with AES-256-GCM using a
// key derived from the configured secret via scrypt.
type Sealer struct {
	secret []byte
	config *SealConfig
}

// NewSealer creates a Sealer from the process seal secret
func NewSealer(secret string, config *SealConfig) (*Sealer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("seal secret must be at least %d characters", minSecretLength)
	}
	if config == nil {
		config = DefaultSealConfig()
	}
	if err := validateSealConfig(config); err != nil {
		return nil, err
	}

	return &Sealer{
		secret: []byte(secret),
		config: config,
	}, nil
}

// Seal encrypts plaintext and returns a base64 envelope:
// version(1) || salt(32) || nonce || ciphertext+tag. A fresh salt and
// nonce are drawn per call, so sealing the same value twice yields
// different envelopes.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, s.config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	envelope := make([]byte, 0, 1+len(salt)+len(nonce)+len(ciphertext))
	envelope = append(envelope, sealVersion)
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Open decrypts a sealed envelope produced by Seal
func (s *Sealer) Open(sealed string) (string, error) {
	envelope, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedCorrupt, err)
	}

	minLen := 1 + sealSaltSize + s.config.NonceSize + gcmOverheadBytes
	if len(envelope) < minLen {
		return "", fmt.Errorf("%w: envelope too short", ErrSealedCorrupt)
	}

	if envelope[0] != sealVersion {
		return "", fmt.Errorf("%w: unsupported version %d", ErrSealedCorrupt, envelope[0])
	}

	salt := envelope[1 : 1+sealSaltSize]
	nonce := envelope[1+sealSaltSize : 1+sealSaltSize+s.config.NonceSize]
	ciphertext := envelope[1+sealSaltSize+s.config.NonceSize:]

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrUnsealFailed
	}

	return string(plaintext), nil
}

// aead derives the per-envelope key and builds the GCM cipher
func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.secret, salt, s.config.SCryptN, s.config.SCryptR, s.config.SCryptP, s.config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// validateSealConfig rejects parameters below the accepted floor
func validateSealConfig(config *SealConfig) error {
	if config.SCryptN < 16384 {
		return errors.New("SCryptN must be at least 16384")
	}
	if config.SCryptR < 8 {
		return errors.New("SCryptR must be at least 8")
	}
	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
