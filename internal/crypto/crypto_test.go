package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams keeps Argon2 cheap in tests; production costs are exercised
// once in TestDefaultArgon2Params.
var testParams = Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1}

// ============================================================================
// AEAD
// ============================================================================

func TestSealOpen(t *testing.T) {
	key := make([]byte, KeySize)
	copy(key, "0123456789abcdef0123456789abcdef")

	t.Run("round trip", func(t *testing.T) {
		plaintext := []byte(`{"integrations":{}}`)
		nonce, ct, tag, err := Seal(key, plaintext)
		require.NoError(t, err)
		assert.Len(t, nonce, NonceSize)
		assert.Len(t, tag, TagSize)

		got, err := Open(key, nonce, ct, tag)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("wrong key fails opaquely", func(t *testing.T) {
		nonce, ct, tag, err := Seal(key, []byte("secret"))
		require.NoError(t, err)

		other := make([]byte, KeySize)
		other[0] = 0xFF
		_, err = Open(other, nonce, ct, tag)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("tampered ciphertext fails opaquely", func(t *testing.T) {
		nonce, ct, tag, err := Seal(key, []byte("secret"))
		require.NoError(t, err)

		ct[0] ^= 0x01
		_, err = Open(key, nonce, ct, tag)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("tampered tag fails opaquely", func(t *testing.T) {
		nonce, ct, tag, err := Seal(key, []byte("secret"))
		require.NoError(t, err)

		tag[TagSize-1] ^= 0x01
		_, err = Open(key, nonce, ct, tag)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("nonce is unique per encryption", func(t *testing.T) {
		n1, _, _, err := Seal(key, []byte("x"))
		require.NoError(t, err)
		n2, _, _, err := Seal(key, []byte("x"))
		require.NoError(t, err)
		assert.NotEqual(t, n1, n2)
	})

	t.Run("short key rejected", func(t *testing.T) {
		_, _, _, err := Seal([]byte("short"), []byte("x"))
		assert.Error(t, err)
	})

	t.Run("empty plaintext round trips", func(t *testing.T) {
		nonce, ct, tag, err := Seal(key, []byte{})
		require.NoError(t, err)
		got, err := Open(key, nonce, ct, tag)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// ============================================================================
// KDF
// ============================================================================

func TestDeriveKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	k1 := DeriveKey("correct horse battery staple!!", salt, testParams)
	k2 := DeriveKey("correct horse battery staple!!", salt, testParams)
	k3 := DeriveKey("wrong password", salt, testParams)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2, "same password and salt must derive the same key")
	assert.NotEqual(t, k1, k3, "different passwords must derive different keys")

	salt2, err := NewSalt()
	require.NoError(t, err)
	k4 := DeriveKey("correct horse battery staple!!", salt2, testParams)
	assert.NotEqual(t, k1, k4, "different salts must derive different keys")
}

func TestDefaultArgon2Params(t *testing.T) {
	p := DefaultArgon2Params()
	assert.Equal(t, uint32(65536), p.Memory)
	assert.Equal(t, uint32(3), p.Time)
	assert.Equal(t, uint8(4), p.Parallelism)
}

// ============================================================================
// BIP-39
// ============================================================================

func TestRecoveryPhrase(t *testing.T) {
	phrase, err := NewRecoveryPhrase()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(phrase), 12, "128 bits of entropy yields 12 words")

	seed1, err := SeedFromPhrase(phrase)
	require.NoError(t, err)
	assert.Len(t, seed1, KeySize)

	seed2, err := SeedFromPhrase(phrase)
	require.NoError(t, err)
	assert.Equal(t, seed1, seed2, "seed derivation must be deterministic")

	_, err = SeedFromPhrase("not a valid mnemonic phrase at all really truly")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSeedFromPhrase_KnownVector(t *testing.T) {
	// BIP-39 test vector: all-zero entropy.
	phrase := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	seed, err := SeedFromPhrase(phrase)
	require.NoError(t, err)
	// First bytes of the canonical seed for this phrase with empty passphrase.
	assert.Equal(t, byte(0x5e), seed[0])
	assert.Equal(t, byte(0xb0), seed[1])
}

// ============================================================================
// HMAC helpers
// ============================================================================

func TestHMAC(t *testing.T) {
	key := []byte("signing-key")
	data := []byte(`{"userId":"u1","exp":1700000000}`)

	sig := SignHMAC(key, data)
	assert.Len(t, sig, 32)
	assert.True(t, VerifyHMAC(key, data, sig))
	assert.False(t, VerifyHMAC([]byte("other-key"), data, sig))

	data[0] ^= 0x01
	assert.False(t, VerifyHMAC(key, data, sig))
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(8)
	require.NoError(t, err)
	assert.Len(t, a, 16)

	b, err := RandomHex(8)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDedupHash(t *testing.T) {
	h1 := DedupHash("login_failed", "owner-1", "", "10.0.0.1")
	h2 := DedupHash("login_failed", "owner-1", "", "10.0.0.1")
	h3 := DedupHash("login_failed", "owner-1", "", "10.0.0.2")

	assert.Len(t, h1, 32)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkSeal(b *testing.B) {
	key := make([]byte, KeySize)
	plaintext := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _, _ = Seal(key, plaintext)
	}
}

func BenchmarkDeriveKey(b *testing.B) {
	salt := make([]byte, SaltSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = DeriveKey("benchmark password", salt, testParams)
	}
}
