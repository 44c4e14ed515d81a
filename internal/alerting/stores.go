package alerting

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("alerting: not found")

// RuleStore loads and persists alert rules.
type RuleStore interface {
	// ListMatching returns the enabled rules applicable to one event:
	// owner rules bound to the event type plus owner rules bound to all
	// events.
	ListMatching(ctx context.Context, ownerID, eventType string) ([]Rule, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	Upsert(ctx context.Context, r *Rule) error
}

// HistoryStore records rule evaluations.
type HistoryStore interface {
	Append(ctx context.Context, e *HistoryEntry) error
	CountSince(ctx context.Context, dedupKey string, since time.Time) (int, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]HistoryEntry, error)
}

// CooldownStore tracks active per-dedup-key cooldowns.
type CooldownStore interface {
	Active(ctx context.Context, dedupKey string, now time.Time) (bool, error)
	Set(ctx context.Context, dedupKey string, until time.Time) error
	Purge(ctx context.Context, now time.Time) (int, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	Insert(ctx context.Context, n *Notification) error
	ListByOwner(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, ownerID, id string) error
}

// ChannelConfigStore loads an owner's delivery targets. A missing config
// is (nil, nil), not an error.
type ChannelConfigStore interface {
	Get(ctx context.Context, ownerID string, t ChannelType) (*ChannelConfig, error)
	Put(ctx context.Context, cfg *ChannelConfig) error
}

// Stores bundles the engine's persistence surfaces.
type Stores struct {
	Rules         RuleStore
	History       HistoryStore
	Cooldowns     CooldownStore
	Notifications NotificationStore
	Channels      ChannelConfigStore
}

// NewMemoryStores returns a fully in-memory store set.
func NewMemoryStores() *Stores {
	return &Stores{
		Rules:         newMemoryRules(),
		History:       newMemoryHistory(),
		Cooldowns:     NewMemoryCooldowns(),
		Notifications: newMemoryNotifications(),
		Channels:      newMemoryChannels(),
	}
}

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

type memoryRules struct {
	mu   sync.RWMutex
	byID map[string]*Rule
}

func newMemoryRules() *memoryRules {
	return &memoryRules{byID: make(map[string]*Rule)}
}

func (s *memoryRules) ListMatching(_ context.Context, ownerID, eventType string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Rule
	for _, r := range s.byID {
		if !r.Enabled || r.OwnerID != ownerID {
			continue
		}
		if r.EventType == "" || r.EventType == eventType {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryRules) ListByOwner(_ context.Context, ownerID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Rule
	for _, r := range s.byID {
		if r.OwnerID == ownerID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryRules) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memoryRules) Upsert(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	cp.Channels = append([]ChannelType(nil), r.Channels...)
	s.byID[r.ID] = &cp
	return nil
}

type memoryHistory struct {
	mu      sync.RWMutex
	entries []HistoryEntry
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{}
}

func (s *memoryHistory) Append(_ context.Context, e *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	cp.ChannelsSent = append([]string{}, e.ChannelsSent...)
	s.entries = append(s.entries, cp)
	return nil
}

func (s *memoryHistory) CountSince(_ context.Context, dedupKey string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.DedupKey == dedupKey && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memoryHistory) ListByOwner(_ context.Context, ownerID string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []HistoryEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].OwnerID == ownerID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// MemoryCooldowns is the in-process cooldown map. Exported so the engine's
// sweeper can run against it directly in deployments without a shared
// store.
type MemoryCooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{until: make(map[string]time.Time)}
}

func (s *MemoryCooldowns) Active(_ context.Context, dedupKey string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.until[dedupKey]
	if !ok {
		return false, nil
	}
	if now.After(until) {
		delete(s.until, dedupKey)
		return false, nil
	}
	return true, nil
}

func (s *MemoryCooldowns) Set(_ context.Context, dedupKey string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.until[dedupKey] = until
	return nil
}

func (s *MemoryCooldowns) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, until := range s.until {
		if now.After(until) {
			delete(s.until, k)
			n++
		}
	}
	return n, nil
}

type memoryNotifications struct {
	mu   sync.RWMutex
	rows []Notification
}

func newMemoryNotifications() *memoryNotifications {
	return &memoryNotifications{}
}

func (s *memoryNotifications) Insert(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = append(s.rows, *n)
	return nil
}

func (s *memoryNotifications) ListByOwner(_ context.Context, ownerID string, unreadOnly bool, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Notification
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.rows[i]
		if n.OwnerID != ownerID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *memoryNotifications) MarkRead(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rows {
		if s.rows[i].ID == id && s.rows[i].OwnerID == ownerID {
			s.rows[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

type memoryChannels struct {
	mu   sync.RWMutex
	rows map[string]*ChannelConfig // ownerID + ":" + type
}

func newMemoryChannels() *memoryChannels {
	return &memoryChannels{rows: make(map[string]*ChannelConfig)}
}

func channelKey(ownerID string, t ChannelType) string {
	return ownerID + ":" + string(t)
}

func (s *memoryChannels) Get(_ context.Context, ownerID string, t ChannelType) (*ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.rows[channelKey(ownerID, t)]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (s *memoryChannels) Put(_ context.Context, cfg *ChannelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	s.rows[channelKey(cfg.OwnerID, cfg.Type)] = &cp
	return nil
}
