package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	count       int64
	windowStart time.Time
	window      time.Duration
	touched     time.Time
}

// MemoryStore is the in-process fallback counter store. Counting is strict:
// increments are serialized so that a limit of L admits at most L requests
// per window even under concurrency.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow

	done chan struct{}
	once sync.Once
}

// NewMemoryStore creates a store and starts its background cleanup.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*memoryWindow),
		done:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Incr advances the counter for key, rolling the window when it has lapsed.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (Result, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.windowStart) >= window {
		w = &memoryWindow{count: 0, windowStart: now, window: window}
		s.windows[key] = w
	}
	w.count++
	w.touched = now
	return Result{Count: w.count, WindowStart: w.windowStart}, nil
}

// Len reports the number of live windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

// cleanup periodically removes windows idle for 2x their length to prevent
// memory leaks.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, w := range s.windows {
				if now.Sub(w.touched) > 2*w.window {
					delete(s.windows, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
