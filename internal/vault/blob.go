// Package vault implements the per-owner encrypted blob: creation, unlock,
// update, recovery-phrase restore and password change. The blob is
// self-describing so that KDF cost changes never strand old vaults.
package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// FormatTag identifies the blob envelope on the wire.
	FormatTag = "ocmt-vault"
	// FormatVersion is the only envelope version this build reads or writes.
	FormatVersion = 1

	kdfAlgorithm  = "argon2id"
	aeadAlgorithm = "aes-256-gcm"
)

// ErrInvalidBlob reports a structurally broken envelope: wrong format tag,
// unsupported version or undecodable fields. Distinct from unlock failure.
var ErrInvalidBlob = errors.New("invalid vault blob")

// KDFSection records the cost parameters and salt the blob was created with.
type KDFSection struct {
	Algorithm   string `json:"algorithm"`
	Memory      uint32 `json:"memory"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
	Salt        string `json:"salt"`
}

// EncryptionSection carries the nonce and tag for the main ciphertext.
type EncryptionSection struct {
	Algorithm string `json:"algorithm"`
	Nonce     string `json:"nonce"`
	Tag       string `json:"tag"`
}

// RecoverySection holds the seed-encrypted copy of the plaintext and the
// seed itself sealed under the password-derived key, so the vault opens
// through either path.
type RecoverySection struct {
	Ciphertext    string `json:"ciphertext"`
	Nonce         string `json:"nonce"`
	Tag           string `json:"tag"`
	EncryptedSeed string `json:"encrypted_seed"`
	SeedNonce     string `json:"seed_nonce"`
	SeedTag       string `json:"seed_tag"`
}

// Blob is the owner's encrypted vault as persisted.
type Blob struct {
	Format     string            `json:"format"`
	Version    int               `json:"version"`
	KDF        KDFSection        `json:"kdf"`
	Encryption EncryptionSection `json:"encryption"`
	Ciphertext string            `json:"ciphertext"`
	Recovery   RecoverySection   `json:"recovery"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
}

// EmptyDocument returns the plaintext a fresh vault is created around.
func EmptyDocument() []byte {
	return []byte(`{"integrations":{},"memory":{"preferences":{},"facts":[]},"conversations":[],"files":[]}`)
}

// ParseBlob decodes and validates a serialized vault blob.
func ParseBlob(data []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Marshal serializes the blob for persistence.
func (b *Blob) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Validate checks the envelope identity fields. It does not touch key
// material and never proves anything about a password.
func (b *Blob) Validate() error {
	if b.Format != FormatTag {
		return fmt.Errorf("%w: format %q", ErrInvalidBlob, b.Format)
	}
	if b.Version != FormatVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidBlob, b.Version)
	}
	if b.KDF.Algorithm != kdfAlgorithm {
		return fmt.Errorf("%w: kdf %q", ErrInvalidBlob, b.KDF.Algorithm)
	}
	if b.Encryption.Algorithm != aeadAlgorithm {
		return fmt.Errorf("%w: cipher %q", ErrInvalidBlob, b.Encryption.Algorithm)
	}
	return nil
}

// b64 wraps the one encoding every blob field uses.
func b64(raw []byte) string { return base64.StdEncoding.EncodeToString(raw) }

func unb64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 field", ErrInvalidBlob)
	}
	return raw, nil
}
