package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/ratelimit"
)

// statusRecorder captures the response status for metrics while passing
// Flush and Hijack through so SSE and WebSocket handlers keep working
// behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// cors answers preflights and echoes allow-listed origins. Cookie
// authentication rules out a wildcard ACAO value, so the configured list is
// matched per request.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Vault-Session")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// requestMetrics measures every request by method, matched route template
// and status.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RecordRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// ============================================================================
// AUTHENTICATION TIERS
// ============================================================================

// requireSession admits cookie-authenticated browser requests only.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Session(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// requireEphemeral admits sandbox containers carrying a bearer ephemeral
// token.
func (s *Server) requireEphemeral(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Ephemeral(r.Context(), r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// requireAny admits either tier, preferring the session cookie.
func (s *Server) requireAny(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Resolve(r.Context(), r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// ============================================================================
// TENANT RATE LIMITING
// ============================================================================

// limited wraps h with tenant-aware admission. It runs inside the auth tier
// so the resolver sees the request identity. A rejection raises a
// ratelimit.exceeded alert, which the default rule filters out; owners opt
// in with a custom rule when they want throttling visibility.
func (s *Server) limited(h http.Handler) http.Handler {
	gated := s.limitMW(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		gated.ServeHTTP(rec, r)

		if rec.status != http.StatusTooManyRequests {
			return
		}
		if id, err := identity.FromContext(r.Context()); err == nil {
			go s.alerts.Trigger(context.Background(), alerting.TriggerInput{
				EventType: "ratelimit.exceeded",
				OwnerID:   id.OwnerID,
				Title:     "API rate limit reached",
				Message:   "Requests for this account are being throttled",
				Metadata:  map[string]interface{}{"route": r.URL.Path},
			})
		}
	})
}

// resolveLimit keys admission on the authenticated tenant when there is
// one, else on the client address as judged after trusted-proxy validation.
func (s *Server) resolveLimit(r *http.Request) ratelimit.RequestInfo {
	if id, err := identity.FromContext(r.Context()); err == nil {
		tenant := id.TenantID
		if tenant == "" {
			tenant = id.OwnerID
		}
		return ratelimit.RequestInfo{
			Identifier: "tenant:" + tenant,
			Limit:      s.ownerLimit(r.Context(), id.OwnerID),
		}
	}
	return ratelimit.RequestInfo{
		Identifier: "ip:" + ratelimit.ClientIP(r, s.trusted),
		Limit:      ratelimit.PlanLimit(s.cfg.RateLimit.Plans, "free"),
	}
}

// ownerLimit resolves the request budget: per-owner override first, with
// zero or negative meaning unlimited, then the plan map. Lookup failures
// fall back to the smallest plan instead of blocking the request.
func (s *Server) ownerLimit(ctx context.Context, ownerID string) int {
	owner, err := s.store.GetOwner(ctx, ownerID)
	if err != nil || owner == nil {
		return ratelimit.PlanLimit(s.cfg.RateLimit.Plans, "free")
	}
	if owner.RateLimitOverride != nil {
		if *owner.RateLimitOverride <= 0 {
			return 0
		}
		return *owner.RateLimitOverride
	}
	return ratelimit.PlanLimit(s.cfg.RateLimit.Plans, owner.Plan)
}
