package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/notify"
)

func TestTokenRotateMintValidate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(env.sessionRequest(http.MethodPost, "/api/gateway/token", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &rotated)
	require.NotEmpty(t, rotated.Token)
	assert.Contains(t, env.sender.eventTypes(), notify.EventTokenRotated)

	rec = env.do(env.sessionRequest(http.MethodPost, "/api/gateway/token/ephemeral", map[string]int64{
		"ttlSeconds": 600,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var minted struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	decodeBody(t, rec, &minted)
	require.NotEmpty(t, minted.Token)
	assert.InDelta(t, time.Now().Unix()+600, minted.ExpiresAt, 5)

	// The container validates without any credential of its own.
	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/gateway/token/validate",
		jsonReader(t, map[string]string{"token": minted.Token})))
	require.Equal(t, http.StatusOK, rec.Code)

	var verdict struct {
		Valid        bool   `json:"valid"`
		UserID       string `json:"userId"`
		NeedsRefresh bool   `json:"needsRefresh"`
	}
	decodeBody(t, rec, &verdict)
	assert.True(t, verdict.Valid)
	assert.Equal(t, testOwner, verdict.UserID)
	assert.False(t, verdict.NeedsRefresh)

	// Audit writes land on a detached goroutine.
	require.Eventually(t, func() bool {
		issued, err := env.auditor.Search(context.Background(), audit.Query{
			ActorID:   testOwner,
			EventType: audit.EventTokenIssued,
		})
		return err == nil && len(issued) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTokenValidateRejections(t *testing.T) {
	env := newTestEnv(t)

	validate := func(token string) bool {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/api/gateway/token/validate",
			jsonReader(t, map[string]string{"token": token})))
		require.Equal(t, http.StatusOK, rec.Code)
		var verdict struct {
			Valid bool `json:"valid"`
		}
		decodeBody(t, rec, &verdict)
		return verdict.Valid
	}

	t.Run("garbage token", func(t *testing.T) {
		assert.False(t, validate("garbage"))
	})

	t.Run("rotation invalidates outstanding ephemerals", func(t *testing.T) {
		old := env.provisionEphemeral(testOwner)
		require.True(t, validate(old))

		_, err := env.tokens.Rotate(context.Background(), testOwner)
		require.NoError(t, err)
		assert.False(t, validate(old))
	})
}

func TestTokenEphemeralRequiresPermanent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(env.sessionRequest(http.MethodPost, "/api/gateway/token/ephemeral", map[string]int64{
		"ttlSeconds": 600,
	}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenEphemeralClampsTTL(t *testing.T) {
	env := newTestEnv(t)
	env.provisionEphemeral(testOwner)

	rec := env.do(env.sessionRequest(http.MethodPost, "/api/gateway/token/ephemeral", map[string]int64{
		"ttlSeconds": 5,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	var minted struct {
		ExpiresAt int64 `json:"expiresAt"`
	}
	decodeBody(t, rec, &minted)
	assert.InDelta(t, time.Now().Unix()+300, minted.ExpiresAt, 5)
}
