package vault

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/crypto"
)

const testPassword = "correct horse battery staple!!"

func testEngine() *Engine {
	return NewEngineWithParams(crypto.Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1})
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCreateAndUnlock(t *testing.T) {
	e := testEngine()

	blob, phrase, err := e.Create(testPassword)
	require.NoError(t, err)
	require.NoError(t, blob.Validate())
	assert.Len(t, strings.Fields(phrase), 12)
	assert.False(t, blob.Created.IsZero())
	assert.Equal(t, blob.Created, blob.Updated)

	t.Run("correct password yields the empty document", func(t *testing.T) {
		plaintext, key, err := e.Unlock(blob, testPassword)
		require.NoError(t, err)
		require.Len(t, key, crypto.KeySize)
		assert.JSONEq(t, `{"integrations":{},"memory":{"preferences":{},"facts":[]},"conversations":[],"files":[]}`, string(plaintext))
	})

	t.Run("wrong password fails opaquely", func(t *testing.T) {
		_, _, err := e.Unlock(blob, "wrong password")
		assert.ErrorIs(t, err, ErrUnlockFailed)

		_, _, err = e.Unlock(blob, "")
		assert.ErrorIs(t, err, ErrUnlockFailed)
	})

	t.Run("unlock with derived key", func(t *testing.T) {
		_, key, err := e.Unlock(blob, testPassword)
		require.NoError(t, err)

		plaintext, err := e.UnlockWithKey(blob, key)
		require.NoError(t, err)
		assert.Contains(t, string(plaintext), `"integrations"`)

		bad := make([]byte, crypto.KeySize)
		_, err = e.UnlockWithKey(blob, bad)
		assert.ErrorIs(t, err, ErrUnlockFailed)
	})

	t.Run("recovery phrase opens the vault", func(t *testing.T) {
		plaintext, err := e.Recover(blob, phrase)
		require.NoError(t, err)
		assert.Contains(t, string(plaintext), `"memory"`)
	})

	t.Run("wrong phrase fails opaquely", func(t *testing.T) {
		_, err := e.Recover(blob, "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
		assert.ErrorIs(t, err, ErrUnlockFailed)

		_, err = e.Recover(blob, "not even words")
		assert.ErrorIs(t, err, ErrUnlockFailed)
	})
}

func TestUpdate(t *testing.T) {
	e := testEngine()
	blob, phrase, err := e.Create(testPassword)
	require.NoError(t, err)

	_, key, err := e.Unlock(blob, testPassword)
	require.NoError(t, err)

	newData := []byte(`{"integrations":{"github":{"token":"x"}},"memory":{"preferences":{},"facts":[]},"conversations":[],"files":[]}`)
	updated, err := e.Update(blob, key, newData)
	require.NoError(t, err)

	t.Run("password path sees new data", func(t *testing.T) {
		plaintext, _, err := e.Unlock(updated, testPassword)
		require.NoError(t, err)
		assert.JSONEq(t, string(newData), string(plaintext))
	})

	t.Run("recovery path sees new data", func(t *testing.T) {
		plaintext, err := e.Recover(updated, phrase)
		require.NoError(t, err)
		assert.JSONEq(t, string(newData), string(plaintext))
	})

	t.Run("seed and kdf are untouched", func(t *testing.T) {
		assert.Equal(t, blob.KDF, updated.KDF)
		assert.Equal(t, blob.Recovery.EncryptedSeed, updated.Recovery.EncryptedSeed)
		assert.Equal(t, blob.Created, updated.Created)
		assert.True(t, updated.Updated.After(blob.Updated) || updated.Updated.Equal(blob.Updated))
	})

	t.Run("fresh nonces on every write", func(t *testing.T) {
		again, err := e.Update(updated, key, newData)
		require.NoError(t, err)
		assert.NotEqual(t, updated.Encryption.Nonce, again.Encryption.Nonce)
		assert.NotEqual(t, updated.Recovery.Nonce, again.Recovery.Nonce)
	})

	t.Run("wrong key cannot update", func(t *testing.T) {
		bad := make([]byte, crypto.KeySize)
		_, err := e.Update(blob, bad, newData)
		assert.ErrorIs(t, err, ErrUnlockFailed)
	})
}

func TestChangePassword(t *testing.T) {
	e := testEngine()
	blob, phrase, err := e.Create(testPassword)
	require.NoError(t, err)

	rotated, err := e.ChangePassword(blob, testPassword, "a brand new passphrase 42")
	require.NoError(t, err)

	_, _, err = e.Unlock(rotated, testPassword)
	assert.ErrorIs(t, err, ErrUnlockFailed, "old password must stop working")

	plaintext, _, err := e.Unlock(rotated, "a brand new passphrase 42")
	require.NoError(t, err)
	assert.Contains(t, string(plaintext), `"integrations"`)

	recovered, err := e.Recover(rotated, phrase)
	require.NoError(t, err)
	assert.JSONEq(t, string(plaintext), string(recovered), "recovery phrase survives a password change")

	assert.NotEqual(t, blob.KDF.Salt, rotated.KDF.Salt)
	assert.Equal(t, blob.Created, rotated.Created)

	_, err = e.ChangePassword(blob, "wrong", "whatever")
	assert.ErrorIs(t, err, ErrUnlockFailed)
}

// ============================================================================
// Envelope
// ============================================================================

func TestBlobSerialization(t *testing.T) {
	e := testEngine()
	blob, _, err := e.Create(testPassword)
	require.NoError(t, err)

	raw, err := blob.Marshal()
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(raw, &shape))
	assert.Equal(t, "ocmt-vault", shape["format"])
	assert.EqualValues(t, 1, shape["version"])

	parsed, err := ParseBlob(raw)
	require.NoError(t, err)

	plaintext, _, err := e.Unlock(parsed, testPassword)
	require.NoError(t, err)
	assert.Contains(t, string(plaintext), `"files"`)
}

func TestBlobValidation(t *testing.T) {
	e := testEngine()
	blob, _, err := e.Create(testPassword)
	require.NoError(t, err)

	wrongFormat := *blob
	wrongFormat.Format = "something-else"
	assert.ErrorIs(t, wrongFormat.Validate(), ErrInvalidBlob)

	wrongVersion := *blob
	wrongVersion.Version = 2
	assert.ErrorIs(t, wrongVersion.Validate(), ErrInvalidBlob)

	_, err = ParseBlob([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidBlob)
}

// ============================================================================
// Sessions
// ============================================================================

func TestSessionManager(t *testing.T) {
	m := NewSessionManager(time.Minute)
	defer m.Close()

	key := []byte("0123456789abcdef0123456789abcdef")

	token, err := m.Establish("owner-1", key)
	require.NoError(t, err)
	assert.Len(t, token, 64)

	t.Run("key retrievable by the owner only", func(t *testing.T) {
		got, ok := m.Key(token, "owner-1")
		require.True(t, ok)
		assert.Equal(t, key, got)

		_, ok = m.Key(token, "owner-2")
		assert.False(t, ok)

		_, ok = m.Key("unknown-token", "owner-1")
		assert.False(t, ok)
	})

	t.Run("returned key is a copy", func(t *testing.T) {
		got, ok := m.Key(token, "owner-1")
		require.True(t, ok)
		got[0] = 0xFF

		again, ok := m.Key(token, "owner-1")
		require.True(t, ok)
		assert.Equal(t, key, again)
	})

	t.Run("re-unlock rotates the token", func(t *testing.T) {
		fresh, err := m.Establish("owner-1", key)
		require.NoError(t, err)
		assert.NotEqual(t, token, fresh)

		_, ok := m.Key(token, "owner-1")
		assert.False(t, ok, "previous token must be dead")

		_, ok = m.Key(fresh, "owner-1")
		assert.True(t, ok)
		token = fresh
	})

	t.Run("clear destroys the session", func(t *testing.T) {
		m.Clear(token)
		_, ok := m.Key(token, "owner-1")
		assert.False(t, ok)
		assert.Zero(t, m.Active())
	})
}

func TestSessionExpiry(t *testing.T) {
	m := NewSessionManager(10 * time.Millisecond)
	defer m.Close()

	token, err := m.Establish("owner-1", []byte("k"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, ok := m.Key(token, "owner-1")
	assert.False(t, ok, "expired session must not return a key")
}

func TestSessionTouch(t *testing.T) {
	m := NewSessionManager(time.Minute)
	defer m.Close()

	token, err := m.Establish("owner-1", []byte("k"))
	require.NoError(t, err)

	assert.True(t, m.Touch(token, "owner-1"))
	assert.False(t, m.Touch(token, "owner-2"))
	assert.False(t, m.Touch("nope", "owner-1"))
}
