package outbound

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ocmt/control-plane/internal/approval"
)

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("outbound: not found")

// ResourceStore persists resource definitions.
type ResourceStore interface {
	Get(ctx context.Context, ownerID, resourceID string) (*Resource, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Resource, error)
	Upsert(ctx context.Context, r *Resource) error
}

// GrantStore persists resource grants, keyed by (owner, resource).
type GrantStore interface {
	Get(ctx context.Context, ownerID, resourceID string) (*Grant, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Grant, error)
	Upsert(ctx context.Context, g *Grant) error
}

// Stores bundles the persistence surfaces behind the call fabric.
type Stores struct {
	Resources ResourceStore
	Grants    GrantStore
}

// NewMemoryStores returns an all-in-process bundle for tests and dev.
func NewMemoryStores() Stores {
	return Stores{
		Resources: newMemoryResources(),
		Grants:    newMemoryGrants(),
	}
}

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

type memoryResources struct {
	mu   sync.RWMutex
	rows map[string]*Resource // ownerID:resourceID
}

func newMemoryResources() *memoryResources {
	return &memoryResources{rows: make(map[string]*Resource)}
}

func (s *memoryResources) Get(_ context.Context, ownerID, resourceID string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[ownerID+":"+resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memoryResources) ListByOwner(_ context.Context, ownerID string) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Resource
	for _, r := range s.rows {
		if r.OwnerID == ownerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryResources) Upsert(_ context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rows[r.OwnerID+":"+r.ID] = &cp
	return nil
}

type memoryGrants struct {
	mu   sync.RWMutex
	rows map[string]*Grant // ownerID:resourceID
}

func newMemoryGrants() *memoryGrants {
	return &memoryGrants{rows: make(map[string]*Grant)}
}

func (s *memoryGrants) Get(_ context.Context, ownerID, resourceID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.rows[ownerID+":"+resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	cp.Scope = append([]approval.Permission(nil), g.Scope...)
	return &cp, nil
}

func (s *memoryGrants) ListByOwner(_ context.Context, ownerID string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Grant
	for _, g := range s.rows {
		if g.OwnerID == ownerID {
			cp := *g
			cp.Scope = append([]approval.Permission(nil), g.Scope...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryGrants) Upsert(_ context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	cp.Scope = append([]approval.Permission(nil), g.Scope...)
	s.rows[g.OwnerID+":"+g.ResourceID] = &cp
	return nil
}
