package audit

import (
	"context"
	"sync"
)

// maxMemoryEvents caps the in-process store; the oldest rows fall off first.
const maxMemoryEvents = 10000

// MemoryStore keeps recent events in process. It backs development and
// tests; production deployments select postgres or spanner.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if len(s.events) > maxMemoryEvents {
		s.events = s.events[len(s.events)-maxMemoryEvents:]
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var out []Event
	skipped := 0
	// Newest first: events is append-ordered, so walk backwards.
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !matches(e, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len reports how many events are held. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(e Event, q Query) bool {
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.TargetID != "" && e.TargetID != q.TargetID {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if !q.Start.IsZero() && e.CreatedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.CreatedAt.After(q.End) {
		return false
	}
	return true
}
