package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/ocmt/control-plane/internal/metrics"
)

// DefaultWindow is the admission window when none is configured.
const DefaultWindow = time.Minute

// PlanLimit resolves a tenant plan to its per-window budget. Unknown plans
// are billed as free tier.
func PlanLimit(plans map[string]int, plan string) int {
	if n, ok := plans[plan]; ok {
		return n
	}
	if n, ok := plans["free"]; ok {
		return n
	}
	return 100
}

// Decision is the outcome of one admission check, carrying everything the
// HTTP layer needs for response headers.
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int
}

// Limiter runs fixed-window admission for one named limit. It prefers the
// shared store and falls back to the in-process one; when both misbehave it
// admits the request.
type Limiter struct {
	service string
	name    string
	window  time.Duration
	shared  Store
	local   Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewLimiter builds a limiter. shared may be nil (no shared cache
// configured); local must not be.
func NewLimiter(service, name string, window time.Duration, shared, local Store, m *metrics.Metrics) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		service: service,
		name:    name,
		window:  window,
		shared:  shared,
		local:   local,
		metrics: m,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Name returns the limiter's name.
func (l *Limiter) Name() string { return l.name }

// Window returns the limiter's window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check admits or rejects one request for the identifier under the given
// limit. A limit of zero or below means unlimited and short-circuits
// without touching any store.
func (l *Limiter) Check(ctx context.Context, id string, limit int) Decision {
	if limit <= 0 {
		if l.metrics != nil {
			l.metrics.RecordRateLimit(l.name, "allowed")
		}
		return Decision{Allowed: true, Unlimited: true, Limit: limit}
	}

	res, err := l.incr(ctx, id)
	if err != nil {
		// Fail open: a broken counter store must never reject traffic.
		l.logger.Printf("⚠️ counter store failed, admitting: limiter=%s id=%s err=%v", l.name, id, err)
		if l.metrics != nil {
			l.metrics.RecordRateLimit(l.name, "failopen")
		}
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     time.Now().Add(l.window),
		}
	}

	reset := res.WindowStart.Add(l.window)
	remaining := limit - int(res.Count)
	if remaining < 0 {
		remaining = 0
	}

	if res.Count > int64(limit) {
		retry := int(time.Until(reset).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		if maxRetry := int(l.window.Seconds()); retry > maxRetry && maxRetry >= 1 {
			retry = maxRetry
		}
		if l.metrics != nil {
			l.metrics.RecordRateLimit(l.name, "limited")
		}
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: retry,
		}
	}

	if l.metrics != nil {
		l.metrics.RecordRateLimit(l.name, "allowed")
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

func (l *Limiter) incr(ctx context.Context, id string) (Result, error) {
	key := Key(l.service, l.name, id)

	if l.shared != nil {
		res, err := l.shared.Incr(ctx, key, l.window)
		if err == nil {
			return res, nil
		}
		l.logger.Printf("⚠️ shared store error, using local counters: %v", err)
	}
	return l.local.Incr(ctx, key, l.window)
}
