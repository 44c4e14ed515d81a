// Package ratelimit implements fixed-window rate limiting keyed by
// (limiter, identifier). Counters live in a shared cache when one is
// configured so that replicas agree; each process also carries an
// in-memory fallback. Internal failures fail open: a broken counter
// store must never take the API down with it.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result is one fixed-window observation, taken after the increment.
type Result struct {
	Count       int64
	WindowStart time.Time
}

// Store increments and reports the counter behind one key.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (Result, error)
}

// Key builds the shared-cache key for a (service, limiter, identifier)
// triple. The service segment keeps replicas of different services from
// colliding on a shared cache.
func Key(service, limiter, id string) string {
	return fmt.Sprintf("ocmt:ratelimit:%s:%s:%s", service, limiter, id)
}
