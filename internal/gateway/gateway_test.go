package gateway

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/crypto"
)

const testOwner = "11111111-1111-4111-8111-111111111111"

func mustPermanent(t *testing.T) string {
	t.Helper()
	p, err := NewPermanentToken()
	require.NoError(t, err)
	return p
}

// signedToken builds a token with an arbitrary expiry through the real
// signing path, for expiry tests that cannot wait on the clock.
func signedToken(t *testing.T, permanent string, exp int64) string {
	t.Helper()
	payload := EphemeralPayload{UserID: testOwner, Exp: exp, Nonce: "0011223344556677"}
	canonical, err := json.Marshal(payload)
	require.NoError(t, err)
	sig := crypto.SignHMAC([]byte(permanent), canonical)
	raw, err := json.Marshal(envelope{Payload: payload, Signature: hex.EncodeToString(sig)})
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestNewPermanentToken(t *testing.T) {
	p := mustPermanent(t)
	assert.Len(t, p, 64)
	assert.True(t, isHex(p))
	assert.NotEqual(t, p, mustPermanent(t))
}

func TestIssueAndValidate(t *testing.T) {
	permanent := mustPermanent(t)

	t.Run("round trip", func(t *testing.T) {
		token, err := IssueEphemeral(testOwner, permanent, 3600)
		require.NoError(t, err)

		payload := ValidateEphemeral(token, permanent)
		require.NotNil(t, payload)
		assert.Equal(t, testOwner, payload.UserID)
		assert.Len(t, payload.Nonce, 16)

		remaining := payload.Exp - time.Now().Unix()
		assert.InDelta(t, 3600, remaining, 5)
	})

	t.Run("wrong permanent token", func(t *testing.T) {
		token, err := IssueEphemeral(testOwner, permanent, 3600)
		require.NoError(t, err)
		assert.Nil(t, ValidateEphemeral(token, mustPermanent(t)))
	})

	t.Run("expired token", func(t *testing.T) {
		expired := signedToken(t, permanent, time.Now().Unix()-1)
		assert.Nil(t, ValidateEphemeral(expired, permanent))
	})

	t.Run("tampered payload", func(t *testing.T) {
		token, err := IssueEphemeral(testOwner, permanent, 3600)
		require.NoError(t, err)

		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		env.Payload.UserID = "22222222-2222-4222-8222-222222222222"
		forged, err := json.Marshal(env)
		require.NoError(t, err)

		assert.Nil(t, ValidateEphemeral(base64.RawURLEncoding.EncodeToString(forged), permanent))
	})

	t.Run("reordered json keys still validate", func(t *testing.T) {
		token, err := IssueEphemeral(testOwner, permanent, 3600)
		require.NoError(t, err)
		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)

		// Rebuild the envelope with payload keys in a different order; the
		// signature is over the canonical order and must still check out.
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		reordered := []byte(`{"payload":{"nonce":"` + env.Payload.Nonce +
			`","exp":` + jsonInt(env.Payload.Exp) +
			`,"userId":"` + env.Payload.UserID +
			`"},"signature":"` + env.Signature + `"}`)

		payload := ValidateEphemeral(base64.RawURLEncoding.EncodeToString(reordered), permanent)
		require.NotNil(t, payload)
		assert.Equal(t, testOwner, payload.UserID)
	})

	t.Run("garbage inputs", func(t *testing.T) {
		for _, in := range []string{"", "!!!!", "bm90IGpzb24", permanent} {
			assert.Nil(t, ValidateEphemeral(in, permanent), "input %q", in)
		}
	})

	t.Run("standard base64 accepted", func(t *testing.T) {
		token, err := IssueEphemeral(testOwner, permanent, 3600)
		require.NoError(t, err)
		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)

		std := base64.StdEncoding.EncodeToString(raw)
		assert.NotNil(t, ValidateEphemeral(std, permanent))
	})
}

func TestTTLClamping(t *testing.T) {
	permanent := mustPermanent(t)

	cases := []struct {
		name      string
		requested int64
		want      int64
	}{
		{"below floor", 10, MinTTLSeconds},
		{"above ceiling", 1000000, MaxTTLSeconds},
		{"in range", 3600, 3600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := IssueEphemeral(testOwner, permanent, tc.requested)
			require.NoError(t, err)
			payload := ValidateEphemeral(token, permanent)
			require.NotNil(t, payload)
			assert.InDelta(t, tc.want, payload.Exp-time.Now().Unix(), 5)
		})
	}
}

func TestNeedsRefresh(t *testing.T) {
	permanent := mustPermanent(t)

	fresh := signedToken(t, permanent, time.Now().Unix()+3600)
	assert.False(t, NeedsRefresh(fresh, RefreshThresholdSeconds))

	closing := signedToken(t, permanent, time.Now().Unix()+60)
	assert.True(t, NeedsRefresh(closing, RefreshThresholdSeconds))

	assert.True(t, NeedsRefresh("garbage", RefreshThresholdSeconds))
}

func TestClassify(t *testing.T) {
	permanent := mustPermanent(t)
	ephemeral, err := IssueEphemeral(testOwner, permanent, 3600)
	require.NoError(t, err)

	assert.Equal(t, KindPermanent, Classify(permanent))
	assert.Equal(t, KindPermanent, Classify(strings.ToUpper(permanent)))
	assert.Equal(t, KindEphemeral, Classify(ephemeral))
	assert.Equal(t, KindUnknown, Classify("not-a-token"))
	assert.Equal(t, KindUnknown, Classify(""))
	assert.Equal(t, KindUnknown, Classify(permanent[:40]), "hex but wrong length")
}

func jsonInt(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func BenchmarkValidateEphemeral(b *testing.B) {
	permanent, _ := NewPermanentToken()
	token, _ := IssueEphemeral(testOwner, permanent, 3600)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if ValidateEphemeral(token, permanent) == nil {
			b.Fatal("validation failed")
		}
	}
}
