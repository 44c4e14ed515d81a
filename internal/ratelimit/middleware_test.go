package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	local := NewMemoryStore()
	defer local.Close()
	l := NewLimiter("control-plane", "api", time.Minute, nil, local, testMetrics())

	handler := Middleware(l, func(*http.Request) RequestInfo {
		return RequestInfo{Identifier: "tenant-pro", Limit: 2}
	})(okHandler())

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, first.Header().Get("RateLimit-Reset"))

	second := do()
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("RateLimit-Remaining"))

	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))

	var body struct {
		Error      string `json:"error"`
		Code       string `json:"code"`
		RetryAfter int    `json:"retryAfter"`
		Limit      int    `json:"limit"`
		Reset      int64  `json:"reset"`
	}
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Code)
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, 2, body.Limit)
	assert.GreaterOrEqual(t, body.RetryAfter, 1)
	assert.LessOrEqual(t, body.RetryAfter, 60)
	assert.Greater(t, body.Reset, time.Now().Unix()-1)
}

func TestMiddlewareUnlimitedOverride(t *testing.T) {
	local := NewMemoryStore()
	defer local.Close()
	l := NewLimiter("control-plane", "api", time.Minute, nil, local, testMetrics())

	handler := Middleware(l, func(*http.Request) RequestInfo {
		return RequestInfo{Identifier: "partner-key", Limit: -1}
	})(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "unlimited", rec.Header().Get("RateLimit-Limit"))
		assert.Empty(t, rec.Header().Get("RateLimit-Remaining"))
	}
	assert.Zero(t, local.Len(), "unlimited requests must not touch the store")
}

// ============================================================================
// Client identity
// ============================================================================

func TestParseCIDRs(t *testing.T) {
	nets, err := ParseCIDRs([]string{"10.0.0.0/8", " 172.16.0.0/12 "})
	require.NoError(t, err)
	assert.Len(t, nets, 2)

	_, err = ParseCIDRs([]string{"10.0.0.0/8", "not-a-cidr"})
	assert.Error(t, err, "malformed trusted proxy entries must be rejected")
}

func TestClientIP(t *testing.T) {
	trusted, err := ParseCIDRs([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	newReq := func(remoteAddr, xff, realIP string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remoteAddr
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		if realIP != "" {
			r.Header.Set("X-Real-IP", realIP)
		}
		return r
	}

	cases := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"no proxy involved", "203.0.113.9:1234", "", "", "203.0.113.9"},
		{"untrusted peer cannot forward", "203.0.113.9:1234", "198.51.100.7", "", "203.0.113.9"},
		{"trusted proxy forwards client", "10.1.2.3:443", "198.51.100.7", "", "198.51.100.7"},
		{"chain walks past trusted hops", "10.1.2.3:443", "198.51.100.7, 10.9.9.9", "", "198.51.100.7"},
		{"spoofed garbage falls back to peer", "10.1.2.3:443", "evil, 10.9.9.9", "", "10.1.2.3"},
		{"all hops trusted uses leftmost", "10.1.2.3:443", "10.5.5.5, 10.9.9.9", "", "10.5.5.5"},
		{"real-ip honored behind trusted proxy", "10.1.2.3:443", "", "198.51.100.44", "198.51.100.44"},
		{"real-ip ignored from untrusted peer", "203.0.113.9:1234", "", "198.51.100.44", "203.0.113.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClientIP(newReq(tc.remote, tc.xff, tc.realIP), trusted)
			assert.Equal(t, tc.want, got)
		})
	}
}
