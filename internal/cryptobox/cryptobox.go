// Package cryptobox provides authenticated encryption for secrets at rest.
//
// A Box seals plaintext with AES-256-GCM under a key derived once from a
// long-lived master secret via Argon2id. Each sealed record carries its own
// random nonce and authentication tag; any tampering with ciphertext, nonce,
// or tag fails decryption with ErrIntegrity rather than yielding a silently
// wrong plaintext.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrIntegrity is returned when decryption fails authentication.
// This covers tampering, corruption, and wrong-key attempts.
var ErrIntegrity = errors.New("cryptobox: integrity check failed")

// Argon2id parameters per current OWASP guidance.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // AES-256 key length
)

// gcmTagSize is the GCM authentication tag length in bytes.
const gcmTagSize = 16

// Box seals and opens secrets with a single derived key.
//
// The key is derived once at construction and held in memory only;
// it is never logged or persisted.
//
// Thread Safety: all methods are safe for concurrent use.
type Box struct {
	aead cipher.AEAD
}

// Sealed is the result of encrypting a plaintext: ciphertext, the random
// nonce used, and the authentication tag, stored as separate columns.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// New derives the encryption key from the master secret and salt and
// returns a ready Box.
//
// Key derivation is deliberately slow (Argon2id) so a leaked database file
// cannot be brute-forced cheaply. Call once at process start.
//
// Parameters:
//   - masterSecret: Long-lived secret from configuration
//   - salt: Derivation salt (stable per installation)
//
// Returns:
//   - *Box: Box ready for Encrypt/Decrypt
//   - error: If the cipher cannot be constructed
func New(masterSecret, salt string) (*Box, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("cryptobox: master secret is required")
	}
	if salt == "" {
		salt = "gatelink-credential-vault"
	}

	key := argon2.IDKey([]byte(masterSecret), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Encrypt seals a plaintext with a fresh random nonce.
//
// Parameters:
//   - plaintext: Secret bytes to protect
//
// Returns:
//   - Sealed: Ciphertext, nonce, and auth tag for persistence
//   - error: If the randomness source fails
func (b *Box) Encrypt(plaintext []byte) (Sealed, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}

	// Seal appends the tag to the ciphertext; split it off so the tag can
	// be persisted as its own column.
	sealed := b.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcmTagSize

	return Sealed{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a sealed record.
//
// Parameters:
//   - s: Sealed record (ciphertext, nonce, tag) as persisted
//
// Returns:
//   - []byte: Recovered plaintext
//   - error: ErrIntegrity on any tampering or corruption
func (b *Box) Decrypt(s Sealed) ([]byte, error) {
	if len(s.Nonce) != b.aead.NonceSize() || len(s.Tag) != gcmTagSize {
		return nil, ErrIntegrity
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := b.aead.Open(nil, s.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
