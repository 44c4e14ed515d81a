package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/approval"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/crypto"
	"github.com/ocmt/control-plane/internal/events"
	"github.com/ocmt/control-plane/internal/gateway"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/keyring"
	"github.com/ocmt/control-plane/internal/metrics"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/outbound"
	"github.com/ocmt/control-plane/internal/ratelimit"
	"github.com/ocmt/control-plane/internal/storage"
	"github.com/ocmt/control-plane/internal/vault"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testOwner  = "11111111-1111-4111-8111-111111111111"
	otherOwner = "22222222-2222-4222-8222-222222222222"
	testOrigin = "https://app.ocmt.dev"
	testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

// fakeStore stands in for the row storage behind the HTTP layer. It also
// implements gateway.TokenStore so the token service runs against it.
type fakeStore struct {
	mu      sync.Mutex
	owners  map[string]*storage.OwnerRow
	vaults  map[string]json.RawMessage
	subs    map[string]*storage.SubscriptionRow
	gateway map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		owners:  make(map[string]*storage.OwnerRow),
		vaults:  make(map[string]json.RawMessage),
		subs:    make(map[string]*storage.SubscriptionRow),
		gateway: make(map[string]string),
	}
}

func (f *fakeStore) GetOwner(_ context.Context, ownerID string) (*storage.OwnerRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[ownerID], nil
}

func (f *fakeStore) GetVault(_ context.Context, ownerID string) (*storage.VaultRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.vaults[ownerID]
	if !ok {
		return nil, nil
	}
	return &storage.VaultRow{OwnerID: ownerID, Blob: raw, UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

func (f *fakeStore) PutVault(_ context.Context, ownerID string, blob json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vaults[ownerID] = blob
	return nil
}

func (f *fakeStore) InsertSubscription(_ context.Context, row *storage.SubscriptionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[row.ID] = row
	return nil
}

func (f *fakeStore) DeleteSubscription(_ context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.subs[id]; ok && row.OwnerID == ownerID {
		delete(f.subs, id)
	}
	return nil
}

func (f *fakeStore) GetGatewayToken(_ context.Context, ownerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gateway[ownerID], nil
}

func (f *fakeStore) PutGatewayToken(_ context.Context, ownerID, sealed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateway[ownerID] = sealed
	return nil
}

// fakeSender records webhook fan-out instead of delivering it.
type fakeSender struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (f *fakeSender) Dispatch(e *notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSender) eventTypes() []notify.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	t         *testing.T
	server    *Server
	handler   http.Handler
	codec     *identity.Codec
	store     *fakeStore
	sender    *fakeSender
	tokens    *gateway.Service
	auditor   *audit.Recorder
	outStores outbound.Stores
}

// newTestEnv assembles a full server over in-memory stores. The vault engine
// runs with light KDF parameters so unlock round-trips stay fast.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Env = "test"
	cfg.Server.SessionSecret = testSecret
	cfg.Server.AllowedOrigins = []string{testOrigin}
	for _, m := range mutate {
		m(cfg)
	}

	ring, err := keyring.New(1, map[int]string{1: testKeyHex})
	require.NoError(t, err)

	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	store := newFakeStore()
	sender := &fakeSender{}

	codec, err := identity.NewCodec(cfg.Server.SessionSecret, 0)
	require.NoError(t, err)
	tokens := gateway.NewService(store, ring)
	auth := identity.NewAuthenticator(codec, tokens)

	auditor := audit.NewRecorder(audit.NewMemoryStore())
	tokens.SetRecorder(auditor)

	bus := events.NewBus(m)
	t.Cleanup(bus.Shutdown)

	alerts := alerting.NewEngine(alerting.NewMemoryStores(), ring, m)
	alerts.SetEmitter(bus)
	alerts.SetNotifier(sender)

	outStores := outbound.NewMemoryStores()
	out := outbound.NewService(cfg.Outbound, outStores, ring, m)
	out.SetRecorder(auditor)
	out.SetEmitter(bus)

	sessions := vault.NewSessionManager(time.Duration(cfg.Vault.SessionTTLMinutes) * time.Minute)
	t.Cleanup(sessions.Close)

	srv, err := NewServer(Deps{
		Config:    cfg,
		Auth:      auth,
		Vault:     vault.NewEngineWithParams(crypto.Argon2Params{Memory: 64, Time: 1, Parallelism: 1}),
		Sessions:  sessions,
		Store:     store,
		Tokens:    tokens,
		Approvals: approval.NewService(approval.NewMemoryStore(), auditor, m),
		Alerts:    alerts,
		Outbound:  out,
		Auditor:   auditor,
		Bus:       bus,
		WSFeed:    events.NewWSFeed(bus, cfg.Server.Env, cfg.Server.AllowedOrigins),
		Registry:  notify.NewRegistry(),
		Notifier:  sender,
		Ring:      ring,
		Metrics:   m,
		Limiter: ratelimit.NewLimiter("api", "tenant",
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, nil, ratelimit.NewMemoryStore(), m),
	})
	require.NoError(t, err)

	return &testEnv{
		t:         t,
		server:    srv,
		handler:   srv.Routes(),
		codec:     codec,
		store:     store,
		sender:    sender,
		tokens:    tokens,
		auditor:   auditor,
		outStores: outStores,
	}
}

// ============================================================================
// REQUEST HELPERS
// ============================================================================

func (e *testEnv) sessionCookie(ownerID string) *http.Cookie {
	e.t.Helper()
	token, err := e.codec.Mint(identity.Identity{OwnerID: ownerID, TenantID: "tenant-" + ownerID[:8]})
	require.NoError(e.t, err)
	return &http.Cookie{Name: identity.SessionCookie, Value: token}
}

// provisionEphemeral rotates a permanent token for the owner and mints an
// ephemeral one, as the sandbox launcher would.
func (e *testEnv) provisionEphemeral(ownerID string) string {
	e.t.Helper()
	_, err := e.tokens.Rotate(context.Background(), ownerID)
	require.NoError(e.t, err)
	tok, err := e.tokens.MintEphemeral(context.Background(), ownerID, 600)
	require.NoError(e.t, err)
	return tok
}

func jsonReader(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func (e *testEnv) sessionRequest(method, path string, body interface{}) *http.Request {
	return e.sessionRequestAs(testOwner, method, path, body)
}

func (e *testEnv) sessionRequestAs(ownerID, method, path string, body interface{}) *http.Request {
	e.t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, jsonReader(e.t, body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.AddCookie(e.sessionCookie(ownerID))
	return r
}

func (e *testEnv) bearerRequest(method, path string, body interface{}, token string) *http.Request {
	e.t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, jsonReader(e.t, body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func (e *testEnv) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

// ============================================================================
// SURFACE TESTS
// ============================================================================

func TestUnknownRouteEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "not_found", body.Code)
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(env.sessionRequest(http.MethodDelete, "/api/vault", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
}

func TestHealthDegradedByFailingProbe(t *testing.T) {
	env := newTestEnv(t)
	env.server.RegisterCheck("cache", func(context.Context) error {
		return errors.New("connection refused")
	})
	env.server.RefreshHealth(context.Background())

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Dependencies["cache"], "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
