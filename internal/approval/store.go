package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("approval not found")
	// ErrStale is returned by a conditional update whose expected status no
	// longer matches the row. The caller lost the race; re-read and report.
	ErrStale = errors.New("approval status changed concurrently")
)

// Store persists approvals. InsertPending and UpdateDecision are the
// linearization points for the state machine: both must apply atomically,
// and UpdateDecision only when the row still holds the expected status.
type Store interface {
	// InsertPending inserts a new pending request unless a live pending row
	// already exists for the same (owner, subject, resource) triple, in
	// which case the existing row is returned and created reports false.
	InsertPending(ctx context.Context, a *Approval) (row *Approval, created bool, err error)
	GetByID(ctx context.Context, id string) (*Approval, error)
	GetByToken(ctx context.Context, token string) (*Approval, error)
	// UpdateDecision moves id from one status to another, recording the
	// decision time and any applied constraints. Returns ErrStale when the
	// row is not in the expected status.
	UpdateDecision(ctx context.Context, id string, from, to Status, decidedAt time.Time, applied *Constraints) error
	// ExpirePending moves every pending row whose request deadline passed
	// into the expired state and returns how many it moved.
	ExpirePending(ctx context.Context, cutoff time.Time) (int, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Approval, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps approvals in process. Used by tests and single-node
// development; production deployments wire the database-backed store.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Approval
	byToken map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Approval),
		byToken: make(map[string]string),
	}
}

func (s *MemoryStore) InsertPending(ctx context.Context, a *Approval) (*Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Status == StatusPending &&
			existing.OwnerID == a.OwnerID &&
			existing.SubjectPublicKey == a.SubjectPublicKey &&
			existing.Resource == a.Resource {
			return cloneApproval(existing), false, nil
		}
	}
	cp := cloneApproval(a)
	s.byID[cp.ID] = cp
	s.byToken[cp.Token] = cp.ID
	return cloneApproval(cp), true, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneApproval(a), nil
}

func (s *MemoryStore) GetByToken(ctx context.Context, token string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneApproval(s.byID[id]), nil
}

func (s *MemoryStore) UpdateDecision(ctx context.Context, id string, from, to Status, decidedAt time.Time, applied *Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrStale
	}
	a.Status = to
	// The first decision owns decided_at; issuance later does not move it.
	if a.DecidedAt == nil {
		t := decidedAt
		a.DecidedAt = &t
	}
	if applied != nil {
		a.Applied = cloneConstraints(applied)
	}
	return nil
}

func (s *MemoryStore) ExpirePending(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for _, a := range s.byID {
		if a.Status == StatusPending && a.ExpiresAt.Before(cutoff) {
			a.Status = StatusExpired
			moved++
		}
	}
	return moved, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Approval
	for _, a := range s.byID {
		if a.OwnerID == ownerID {
			out = append(out, cloneApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneApproval(a *Approval) *Approval {
	cp := *a
	cp.Scope = append([]Permission(nil), a.Scope...)
	cp.ExceedsCeiling = append([]Permission(nil), a.ExceedsCeiling...)
	if a.MaxCalls != nil {
		v := *a.MaxCalls
		cp.MaxCalls = &v
	}
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		cp.DecidedAt = &t
	}
	if a.Applied != nil {
		cp.Applied = cloneConstraints(a.Applied)
	}
	return &cp
}

func cloneConstraints(c *Constraints) *Constraints {
	cp := Constraints{}
	if c.ExpiresInSeconds != nil {
		v := *c.ExpiresInSeconds
		cp.ExpiresInSeconds = &v
	}
	if c.Scope != nil {
		cp.Scope = append([]Permission(nil), c.Scope...)
	}
	if c.MaxCalls != nil {
		v := *c.MaxCalls
		cp.MaxCalls = &v
	}
	return &cp
}
