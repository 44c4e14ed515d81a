package keyring

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/crypto"
)

var (
	keyV0 = strings.Repeat("00", 32)
	keyV1 = strings.Repeat("11", 32)
)

func newTestRing(t *testing.T, current int, keys map[int]string) *Keyring {
	t.Helper()
	ring, err := New(current, keys)
	require.NoError(t, err)
	return ring
}

func TestEncryptDecrypt(t *testing.T) {
	ring := newTestRing(t, 1, map[int]string{0: keyV0, 1: keyV1})

	t.Run("round trip with versioned format", func(t *testing.T) {
		blob, err := ring.Encrypt([]byte("integration-credential"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(blob, "v1:"))
		assert.Len(t, strings.Split(blob, ":"), 4)

		got, err := ring.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, "integration-credential", string(got))
	})

	t.Run("legacy hex ciphertext decrypts with v0 key", func(t *testing.T) {
		raw, err := hex.DecodeString(keyV0)
		require.NoError(t, err)
		nonce, ct, tag, err := crypto.Seal(raw, []byte("old secret"))
		require.NoError(t, err)
		legacy := fmt.Sprintf("%x:%x:%x", nonce, tag, ct)

		got, err := ring.Decrypt(legacy)
		require.NoError(t, err)
		assert.Equal(t, "old secret", string(got))
	})

	t.Run("old versioned ciphertext still decrypts", func(t *testing.T) {
		old := newTestRing(t, 0, map[int]string{0: keyV0})
		blob, err := old.Encrypt([]byte("rotated away"))
		require.NoError(t, err)

		got, err := ring.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, "rotated away", string(got))
	})

	t.Run("missing key version", func(t *testing.T) {
		future := newTestRing(t, 7, map[int]string{7: keyV1})
		blob, err := future.Encrypt([]byte("x"))
		require.NoError(t, err)

		_, err = ring.Decrypt(blob)
		require.Error(t, err)
		assert.Equal(t, "key version 7 not available", err.Error())
		var unavailable *KeyUnavailableError
		assert.ErrorAs(t, err, &unavailable)
	})

	t.Run("legacy ciphertext without v0 key fails lazily", func(t *testing.T) {
		noV0 := newTestRing(t, 1, map[int]string{1: keyV1})
		_, err := noV0.Decrypt("aabb:ccdd:eeff")
		require.Error(t, err)
		assert.Equal(t, "key version 0 not available", err.Error())
	})

	t.Run("malformed inputs", func(t *testing.T) {
		for _, in := range []string{"", "vX:a:b:c", "a:b", "one:two:three:four:five", "v1:!!!:b:c"} {
			_, err := ring.Decrypt(in)
			assert.ErrorIs(t, err, ErrMalformed, "input %q", in)
		}
	})
}

func TestKeyVersion(t *testing.T) {
	assert.Equal(t, 3, KeyVersion("v3:aaa:bbb:ccc"))
	assert.Equal(t, 0, KeyVersion("aabb:ccdd:eeff"), "legacy reads as version 0")
	assert.Equal(t, 0, KeyVersion("vX:aaa:bbb:ccc"))
	assert.Equal(t, 0, KeyVersion("garbage"))
}

func TestNeedsReencryption(t *testing.T) {
	ring := newTestRing(t, 2, map[int]string{0: keyV0, 2: keyV1})

	assert.True(t, ring.NeedsReencryption("v1:a:b:c"))
	assert.True(t, ring.NeedsReencryption("aabb:ccdd:eeff"))
	assert.False(t, ring.NeedsReencryption("v2:a:b:c"))
	assert.False(t, ring.NeedsReencryption("v3:a:b:c"))
}

func TestReencrypt(t *testing.T) {
	ring := newTestRing(t, 1, map[int]string{0: keyV0, 1: keyV1})

	raw, err := hex.DecodeString(keyV0)
	require.NoError(t, err)
	nonce, ct, tag, err := crypto.Seal(raw, []byte("carry me forward"))
	require.NoError(t, err)
	legacy := fmt.Sprintf("%x:%x:%x", nonce, tag, ct)
	require.True(t, ring.NeedsReencryption(legacy))

	fresh, err := ring.Reencrypt(legacy)
	require.NoError(t, err)
	assert.Equal(t, 1, KeyVersion(fresh))
	assert.False(t, ring.NeedsReencryption(fresh))

	got, err := ring.Decrypt(fresh)
	require.NoError(t, err)
	assert.Equal(t, "carry me forward", string(got))
}

func TestRotate(t *testing.T) {
	ring := newTestRing(t, 1, map[int]string{1: keyV1})

	advice, err := ring.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, advice.NewVersion)
	assert.Len(t, advice.NewKeyHex, 64)
	assert.NotEmpty(t, advice.Steps)

	// Advice only: the running keyring is untouched.
	assert.Equal(t, 1, ring.CurrentVersion())
	blob, err := ring.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, KeyVersion(blob))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(1, map[int]string{0: keyV0})
	assert.Error(t, err, "current version key must be present")

	_, err = New(0, map[int]string{0: "short"})
	assert.Error(t, err)

	_, err = New(0, map[int]string{0: strings.Repeat("zz", 32)})
	assert.Error(t, err, "non-hex key material")
}

func TestNewFromEnv(t *testing.T) {
	t.Run("missing required key", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "")
		_, err := NewFromEnv()
		assert.Error(t, err)
	})

	t.Run("defaults to version zero", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", keyV0)
		t.Setenv("ENCRYPTION_KEY_VERSION", "")
		ring, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 0, ring.CurrentVersion())
	})

	t.Run("historical keys loaded", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", keyV1)
		t.Setenv("ENCRYPTION_KEY_VERSION", "1")
		t.Setenv("ENCRYPTION_KEY_V0", keyV0)
		ring, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 1, ring.CurrentVersion())

		old := newTestRing(t, 0, map[int]string{0: keyV0})
		blob, err := old.Encrypt([]byte("historic"))
		require.NoError(t, err)
		got, err := ring.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, "historic", string(got))
	})

	t.Run("rejects bad version", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", keyV0)
		t.Setenv("ENCRYPTION_KEY_VERSION", "banana")
		_, err := NewFromEnv()
		assert.Error(t, err)
	})
}
