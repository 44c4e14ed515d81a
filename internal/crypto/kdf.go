package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the KDF salt length in bytes.
const SaltSize = 16

// Argon2Params holds the Argon2id cost parameters recorded alongside every
// vault blob so old blobs remain unlockable after a parameter change.
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
}

// DefaultArgon2Params are the production cost parameters: 64 MiB memory,
// 3 passes, 4 lanes.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Memory: 64 * 1024, Time: 3, Parallelism: 4}
}

// NewSalt returns a fresh 16-byte random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte key from a password and salt using Argon2id
// with the given cost parameters.
func DeriveKey(password string, salt []byte, params Argon2Params) []byte {
	return argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Parallelism, KeySize)
}
