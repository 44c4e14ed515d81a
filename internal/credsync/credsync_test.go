package credsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/metrics"
)

const testOwner = "11111111-1111-4111-8111-111111111111"

type mintStub struct {
	mu     sync.Mutex
	err    error
	minted int
}

func (s *mintStub) MintEphemeral(_ context.Context, ownerID string, _ int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.minted++
	return fmt.Sprintf("tok-%s-%d", ownerID, s.minted), nil
}

type sandboxStub struct {
	mu     sync.Mutex
	bodies []string
	auths  []string
	fail   int // number of leading requests answered with 503
}

func (s *sandboxStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		failing := len(s.bodies) <= s.fail
		s.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sandboxStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *sandboxStub) body(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

func newTestSyncer(t *testing.T, url string, minter TokenMinter) (*Syncer, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	s := New(config.SandboxConfig{BaseURL: url}, minter, m)
	s.retryBase = time.Millisecond
	t.Cleanup(s.Close)
	return s, m
}

func pushed(m *metrics.Metrics, outcome string) float64 {
	return testutil.ToFloat64(m.CredSyncPushes.WithLabelValues(outcome))
}

func TestSyncDeliversToSandbox(t *testing.T) {
	up := &sandboxStub{}
	server := httptest.NewServer(up.handler())
	t.Cleanup(server.Close)

	s, m := newTestSyncer(t, server.URL, &mintStub{})
	s.Sync(testOwner, json.RawMessage(`{"github":{"token":"ghp_abc"}}`))

	require.Eventually(t, func() bool { return up.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"integrations":{"github":{"token":"ghp_abc"}}}`, up.body(0))
	assert.Equal(t, "Bearer tok-"+testOwner+"-1", up.auths[0])
	assert.Equal(t, float64(1), pushed(m, "ok"))
}

func TestSyncCoalescesWhileInFlight(t *testing.T) {
	up := &sandboxStub{}
	started := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	var first sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		blocked := false
		first.Do(func() { blocked = true })
		if blocked {
			started <- struct{}{}
			<-release
		}
		up.handler()(w, r)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(unblock)

	s, m := newTestSyncer(t, server.URL, &mintStub{})

	s.Sync(testOwner, json.RawMessage(`{"v":1}`))
	<-started

	// Three more writes land while the first push is still in flight; only
	// the newest survives the inbox.
	s.Sync(testOwner, json.RawMessage(`{"v":2}`))
	s.Sync(testOwner, json.RawMessage(`{"v":3}`))
	s.Sync(testOwner, json.RawMessage(`{"v":4}`))
	unblock()

	require.Eventually(t, func() bool { return up.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"integrations":{"v":1}}`, up.body(0))
	assert.JSONEq(t, `{"integrations":{"v":4}}`, up.body(1))

	// No third delivery shows up afterwards.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, up.count())
	assert.Equal(t, float64(2), pushed(m, "ok"))
	assert.Equal(t, float64(2), pushed(m, "superseded"))
}

func TestSyncRetriesUpstreamFailures(t *testing.T) {
	up := &sandboxStub{fail: 1}
	server := httptest.NewServer(up.handler())
	t.Cleanup(server.Close)

	s, m := newTestSyncer(t, server.URL, &mintStub{})
	s.Sync(testOwner, json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return pushed(m, "ok") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, up.count())
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	up := &sandboxStub{fail: 100}
	server := httptest.NewServer(up.handler())
	t.Cleanup(server.Close)

	s, m := newTestSyncer(t, server.URL, &mintStub{})
	s.Sync(testOwner, json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return pushed(m, "upstream_error") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, maxAttempts, up.count())
	assert.Equal(t, float64(0), pushed(m, "ok"))
}

func TestSyncTokenMintFailure(t *testing.T) {
	up := &sandboxStub{}
	server := httptest.NewServer(up.handler())
	t.Cleanup(server.Close)

	s, m := newTestSyncer(t, server.URL, &mintStub{err: errors.New("no gateway token on file")})
	s.Sync(testOwner, json.RawMessage(`{}`))

	require.Eventually(t, func() bool { return pushed(m, "token_error") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, up.count(), "nothing reaches the sandbox without a token")
}

func TestSyncAfterCloseIsDropped(t *testing.T) {
	up := &sandboxStub{}
	server := httptest.NewServer(up.handler())
	t.Cleanup(server.Close)

	s, _ := newTestSyncer(t, server.URL, &mintStub{})
	s.Close()

	s.Sync(testOwner, json.RawMessage(`{}`))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, up.count())
}

func TestSyncIsolatesOwners(t *testing.T) {
	up := &sandboxStub{}
	server := httptest.NewServer(up.handler())
	t.Cleanup(server.Close)

	s, m := newTestSyncer(t, server.URL, &mintStub{})
	s.Sync("owner-a", json.RawMessage(`{"a":1}`))
	s.Sync("owner-b", json.RawMessage(`{"b":1}`))

	require.Eventually(t, func() bool { return pushed(m, "ok") == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, up.count())
}
