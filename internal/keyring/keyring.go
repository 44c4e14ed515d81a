// Package keyring implements the versioned ciphertext store used for
// per-process secrets such as permanent gateway tokens and integration
// credentials. Ciphertexts are tagged with the key version that produced
// them so that keys can be rotated without a stop-the-world re-encryption.
//
// Wire format: "v{N}:{iv_b64}:{tag_b64}:{ct_b64}". A legacy three-part
// hex form "{iv_hex}:{tag_hex}:{ct_hex}" is read as version 0.
package keyring

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ocmt/control-plane/internal/crypto"
)

const keyHexLen = 2 * crypto.KeySize

// ErrMalformed is returned when a ciphertext matches neither the versioned
// nor the legacy wire format.
var ErrMalformed = errors.New("malformed ciphertext")

// KeyUnavailableError reports a ciphertext referencing a key version the
// process was not configured with.
type KeyUnavailableError struct {
	Version int
}

func (e *KeyUnavailableError) Error() string {
	return fmt.Sprintf("key version %d not available", e.Version)
}

// Keyring holds the version → key mapping for one process. It is read-only
// after construction and safe for concurrent use.
type Keyring struct {
	current int
	keys    map[int][]byte
}

// ============================================================================
// Construction
// ============================================================================

// New builds a keyring from hex-encoded key material. The current version
// must be present; every key must be exactly 64 hex characters.
func New(current int, keysHex map[int]string) (*Keyring, error) {
	if current < 0 {
		return nil, fmt.Errorf("negative key version %d", current)
	}
	if _, ok := keysHex[current]; !ok {
		return nil, fmt.Errorf("no key material for current version %d", current)
	}

	keys := make(map[int][]byte, len(keysHex))
	for version, h := range keysHex {
		if len(h) != keyHexLen {
			return nil, fmt.Errorf("key version %d must be %d hex characters", version, keyHexLen)
		}
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("key version %d is not valid hex", version)
		}
		keys[version] = raw
	}
	return &Keyring{current: current, keys: keys}, nil
}

// NewFromEnv loads the keyring from ENCRYPTION_KEY (required, current),
// ENCRYPTION_KEY_VERSION (default 0) and ENCRYPTION_KEY_V{n} (historical).
// Historical keys are optional; a ciphertext referencing a missing version
// fails at decrypt time, not at startup.
func NewFromEnv() (*Keyring, error) {
	raw := os.Getenv("ENCRYPTION_KEY")
	if raw == "" {
		return nil, errors.New("ENCRYPTION_KEY is not set")
	}

	current := 0
	if v := os.Getenv("ENCRYPTION_KEY_VERSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY_VERSION %q", v)
		}
		current = n
	}

	keysHex := make(map[int]string)
	for version := 0; version <= current; version++ {
		if h := os.Getenv(fmt.Sprintf("ENCRYPTION_KEY_V%d", version)); h != "" {
			keysHex[version] = h
		}
	}
	// The unversioned variable always wins for the current version.
	keysHex[current] = raw

	return New(current, keysHex)
}

// CurrentVersion returns the version new ciphertexts are produced under.
func (k *Keyring) CurrentVersion() int { return k.current }

// ============================================================================
// Operations
// ============================================================================

// Encrypt seals plaintext under the current key and returns the versioned
// wire form "v{N}:{iv_b64}:{tag_b64}:{ct_b64}".
func (k *Keyring) Encrypt(plaintext []byte) (string, error) {
	nonce, ct, tag, err := crypto.Seal(k.keys[k.current], plaintext)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s:%s:%s",
		k.current,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	), nil
}

// Decrypt opens a ciphertext in either wire form, resolving the key by the
// embedded version. Missing versions surface as *KeyUnavailableError.
func (k *Keyring) Decrypt(s string) ([]byte, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 4 && strings.HasPrefix(parts[0], "v"):
		version, err := strconv.Atoi(parts[0][1:])
		if err != nil || version < 0 {
			return nil, ErrMalformed
		}
		nonce, err1 := base64.StdEncoding.DecodeString(parts[1])
		tag, err2 := base64.StdEncoding.DecodeString(parts[2])
		ct, err3 := base64.StdEncoding.DecodeString(parts[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ErrMalformed
		}
		return k.open(version, nonce, ct, tag)

	case len(parts) == 3:
		nonce, err1 := hex.DecodeString(parts[0])
		tag, err2 := hex.DecodeString(parts[1])
		ct, err3 := hex.DecodeString(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ErrMalformed
		}
		return k.open(0, nonce, ct, tag)

	default:
		return nil, ErrMalformed
	}
}

func (k *Keyring) open(version int, nonce, ct, tag []byte) ([]byte, error) {
	key, ok := k.keys[version]
	if !ok {
		return nil, &KeyUnavailableError{Version: version}
	}
	return crypto.Open(key, nonce, ct, tag)
}

// KeyVersion reports the version a ciphertext was produced under without
// decrypting it. Legacy and unrecognized inputs report 0.
func KeyVersion(s string) int {
	head, _, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(head, "v") {
		return 0
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil || version < 0 {
		return 0
	}
	return version
}

// NeedsReencryption reports whether a ciphertext predates the current key.
func (k *Keyring) NeedsReencryption(s string) bool {
	return KeyVersion(s) < k.current
}

// Reencrypt decrypts a ciphertext under its recorded version and seals it
// again under the current key.
func (k *Keyring) Reencrypt(s string) (string, error) {
	plaintext, err := k.Decrypt(s)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(plaintext)
	return k.Encrypt(plaintext)
}

// ============================================================================
// Rotation
// ============================================================================

// RotationAdvice carries a freshly generated candidate key and the operator
// steps to adopt it. Producing advice never mutates the running keyring.
type RotationAdvice struct {
	NewKeyHex  string   `json:"newKey"`
	NewVersion int      `json:"newVersion"`
	Steps      []string `json:"instructions"`
}

// Rotate generates a new 32-byte key and returns adoption instructions for
// the next version. The process keeps encrypting under the current key until
// it is restarted with the new configuration.
func (k *Keyring) Rotate() (*RotationAdvice, error) {
	next := k.current + 1
	keyHex, err := crypto.RandomHex(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	return &RotationAdvice{
		NewKeyHex:  keyHex,
		NewVersion: next,
		Steps: []string{
			fmt.Sprintf("set ENCRYPTION_KEY_V%d to the current ENCRYPTION_KEY value", k.current),
			"set ENCRYPTION_KEY to the new key",
			fmt.Sprintf("set ENCRYPTION_KEY_VERSION to %d", next),
			"restart the service and re-encrypt rows reported by needs_reencryption",
		},
	}, nil
}
