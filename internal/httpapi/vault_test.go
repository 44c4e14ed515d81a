package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/vault"
)

const testPassword = "correct horse battery"

// createVault provisions a vault over the API and returns its recovery
// phrase.
func createVault(t *testing.T, env *testEnv) string {
	t.Helper()
	rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault", map[string]string{
		"password": testPassword,
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		RecoveryPhrase string `json:"recoveryPhrase"`
	}
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body.RecoveryPhrase)
	return body.RecoveryPhrase
}

// unlockVault opens the vault and returns the vault session token.
func unlockVault(t *testing.T, env *testEnv) string {
	t.Helper()
	rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault/unlock", map[string]string{
		"password": testPassword,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		SessionToken string `json:"sessionToken"`
	}
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body.SessionToken)
	return body.SessionToken
}

func TestVaultLifecycle(t *testing.T) {
	env := newTestEnv(t)
	createVault(t, env)
	session := unlockVault(t, env)

	get := env.sessionRequest(http.MethodGet, "/api/vault", nil)
	get.Header.Set("X-Vault-Session", session)
	rec := env.do(get)
	require.Equal(t, http.StatusOK, rec.Code)

	var read struct {
		Data json.RawMessage `json:"data"`
	}
	decodeBody(t, rec, &read)
	assert.JSONEq(t, string(vault.EmptyDocument()), string(read.Data))

	doc := `{"integrations":{"github":{"token":"gho_x"}},"memory":{"preferences":{},"facts":[]},"conversations":[],"files":[]}`
	put := env.sessionRequest(http.MethodPut, "/api/vault", map[string]interface{}{
		"data": json.RawMessage(doc),
	})
	put.Header.Set("X-Vault-Session", session)
	rec = env.do(put)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	get = env.sessionRequest(http.MethodGet, "/api/vault", nil)
	get.Header.Set("X-Vault-Session", session)
	rec = env.do(get)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &read)
	assert.JSONEq(t, doc, string(read.Data))

	rec = env.do(env.sessionRequest(http.MethodPost, "/api/vault/lock", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	get = env.sessionRequest(http.MethodGet, "/api/vault", nil)
	get.Header.Set("X-Vault-Session", session)
	rec = env.do(get)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVaultCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("short password", func(t *testing.T) {
		rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault", map[string]string{
			"password": "short",
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate create", func(t *testing.T) {
		createVault(t, env)
		rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault", map[string]string{
			"password": testPassword,
		}))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unlock before create", func(t *testing.T) {
		fresh := newTestEnv(t)
		rec := fresh.do(fresh.sessionRequest(http.MethodPost, "/api/vault/unlock", map[string]string{
			"password": testPassword,
		}))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestVaultUnlockWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	createVault(t, env)

	rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault/unlock", map[string]string{
		"password": "not the password",
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Audit writes land on a detached goroutine.
	var failed []audit.Event
	require.Eventually(t, func() bool {
		var err error
		failed, err = env.auditor.Search(context.Background(), audit.Query{
			ActorID:   testOwner,
			EventType: audit.EventLoginFailed,
		})
		return err == nil && len(failed) == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, failed[0].Success)

	// The failed unlock raises a warning alert, which fans out to webhooks.
	assert.Contains(t, env.sender.eventTypes(), notify.EventAlertTriggered)
}

func TestVaultSessionRequired(t *testing.T) {
	env := newTestEnv(t)
	createVault(t, env)

	rec := env.do(env.sessionRequest(http.MethodGet, "/api/vault", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	get := env.sessionRequest(http.MethodGet, "/api/vault", nil)
	get.Header.Set("X-Vault-Session", "bogus")
	rec = env.do(get)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVaultUpdateValidation(t *testing.T) {
	env := newTestEnv(t)
	createVault(t, env)
	session := unlockVault(t, env)

	put := env.sessionRequest(http.MethodPut, "/api/vault", map[string]interface{}{})
	put.Header.Set("X-Vault-Session", session)
	rec := env.do(put)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVaultRecover(t *testing.T) {
	env := newTestEnv(t)
	phrase := createVault(t, env)

	t.Run("wrong phrase", func(t *testing.T) {
		rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault/recover", map[string]string{
			"phrase": "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
		}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("correct phrase", func(t *testing.T) {
		rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault/recover", map[string]string{
			"phrase": phrase,
		}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body struct {
			Data json.RawMessage `json:"data"`
		}
		decodeBody(t, rec, &body)
		assert.JSONEq(t, string(vault.EmptyDocument()), string(body.Data))
		assert.Contains(t, env.sender.eventTypes(), notify.EventVaultRecovered)
	})
}

func TestVaultPasswordChange(t *testing.T) {
	env := newTestEnv(t)
	createVault(t, env)
	session := unlockVault(t, env)

	t.Run("wrong old password", func(t *testing.T) {
		rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault/password", map[string]string{
			"oldPassword": "not it",
			"newPassword": "an even longer password",
		}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rekey drops open sessions", func(t *testing.T) {
		rec := env.do(env.sessionRequest(http.MethodPost, "/api/vault/password", map[string]string{
			"oldPassword": testPassword,
			"newPassword": "an even longer password",
		}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		get := env.sessionRequest(http.MethodGet, "/api/vault", nil)
		get.Header.Set("X-Vault-Session", session)
		assert.Equal(t, http.StatusUnauthorized, env.do(get).Code)

		rec = env.do(env.sessionRequest(http.MethodPost, "/api/vault/unlock", map[string]string{
			"password": "an even longer password",
		}))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
