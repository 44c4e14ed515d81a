// Package crypto provides the cryptographic primitives for the control
// plane: AES-256-GCM authenticated encryption, Argon2id key derivation,
// BIP-39 recovery phrases, and HMAC-SHA256 helpers.
//
// Decryption failure is always the single opaque ErrAuthFailed. Callers must
// not be able to distinguish a wrong key from tampered ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrAuthFailed is returned for every decryption failure. It deliberately
// carries no detail about which step failed.
var ErrAuthFailed = errors.New("authentication failed")

// Seal encrypts plaintext under a 32-byte key with a freshly generated
// 12-byte nonce. The GCM output is split into ciphertext and 16-byte tag so
// callers can store the parts separately.
func Seal(key, plaintext []byte) (nonce, ciphertext, tag []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]
	return nonce, ciphertext, tag, nil
}

// Open decrypts and authenticates a (nonce, ciphertext, tag) triple. Any
// failure surfaces as ErrAuthFailed.
func Open(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(key) != KeySize || len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrAuthFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrAuthFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Zero overwrites a key or other sensitive buffer in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
