package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// RequestInfo is what the middleware needs to know about one request:
// who to count it against and how much budget they have.
type RequestInfo struct {
	Identifier string
	Limit      int // <= 0 means unlimited
}

// Resolver maps a request to its rate-limit identity. Typically closes over
// the authenticated tenant and any API-key override.
type Resolver func(*http.Request) RequestInfo

// Middleware wraps a handler with fixed-window admission. Headers follow
// both the RateLimit-* draft names and the X-RateLimit-* legacy names.
func Middleware(l *Limiter, resolve Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := resolve(r)
			d := l.Check(r.Context(), info.Identifier, info.Limit)

			if d.Unlimited {
				w.Header().Set("RateLimit-Limit", "unlimited")
				w.Header().Set("X-RateLimit-Limit", "unlimited")
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, d)
			if !d.Allowed {
				writeTooManyRequests(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision) {
	limit := strconv.Itoa(d.Limit)
	remaining := strconv.Itoa(d.Remaining)
	reset := strconv.FormatInt(d.Reset.Unix(), 10)

	h := w.Header()
	h.Set("RateLimit-Limit", limit)
	h.Set("RateLimit-Remaining", remaining)
	h.Set("RateLimit-Reset", reset)
	h.Set("X-RateLimit-Limit", limit)
	h.Set("X-RateLimit-Remaining", remaining)
	h.Set("X-RateLimit-Reset", reset)
}

func writeTooManyRequests(w http.ResponseWriter, d Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      "Too many requests, please retry later",
		"code":       "RATE_LIMIT_EXCEEDED",
		"retryAfter": d.RetryAfter,
		"limit":      d.Limit,
		"reset":      d.Reset.Unix(),
	})
}

// ============================================================================
// Client identity
// ============================================================================

// ParseCIDRs parses the trusted-proxy configuration. A malformed entry is an
// error: silently ignoring one would widen who may speak for the client.
func ParseCIDRs(list []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(list))
	for _, raw := range list {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", raw, err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// ClientIP resolves the address a request should be billed to. Forwarding
// headers are honored only when the direct peer is a trusted proxy, and the
// X-Forwarded-For chain is walked right to left past trusted hops.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := hostOnly(r.RemoteAddr)
	if len(trusted) == 0 || !ipInAny(peer, trusted) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				// Garbage in the chain: fall back to the peer rather than
				// bill an attacker-chosen identifier.
				return peer
			}
			if !ipInAny(hop, trusted) {
				return hop
			}
		}
		// Every hop was a trusted proxy; the leftmost is the origin.
		return strings.TrimSpace(hops[0])
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if net.ParseIP(realIP) != nil {
			return realIP
		}
	}
	return peer
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func ipInAny(ipStr string, nets []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
