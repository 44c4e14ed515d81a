// Package notify delivers platform events to subscriber endpoints.
//
// Subscriptions bind an HTTPS endpoint to a set of event types. Delivery
// runs through an in-process worker pool with bounded retries, or through
// Cloud Tasks when a queue is configured; the pool doubles as the fallback
// path when the queue is unreachable. A subscription that keeps failing is
// disabled rather than retried forever.
package notify

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocmt/control-plane/internal/crypto"
)

// EventType names a notification event.
type EventType string

const (
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalDecided   EventType = "approval.decided"
	EventCapabilityIssued  EventType = "capability.issued"
	EventAlertTriggered    EventType = "alert.triggered"
	EventResourceCalled    EventType = "resource.called"
	EventTokenRotated      EventType = "token.rotated"
	EventVaultRecovered    EventType = "vault.recovered"
)

// KnownEventType reports whether t names an event this package emits.
func KnownEventType(t EventType) bool {
	switch t {
	case EventApprovalRequested, EventApprovalDecided, EventCapabilityIssued,
		EventAlertTriggered, EventResourceCalled, EventTokenRotated, EventVaultRecovered:
		return true
	}
	return false
}

// maxFailures disables a subscription once its consecutive failure count
// reaches this threshold.
const maxFailures = 10

// Subscription is a registered delivery endpoint.
type Subscription struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"-"`
	Active    bool        `json:"active"`
	FailCount int         `json:"fail_count"`
	CreatedAt time.Time   `json:"created_at"`
}

// Event is the payload delivered to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	OwnerID   string                 `json:"owner_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent builds a notification event with a fresh ID and UTC timestamp.
func NewEvent(eventType EventType, ownerID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		OwnerID:   ownerID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Registry holds subscriptions indexed by event type.
type Registry struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	byEvent map[EventType][]*Subscription
	logger  *log.Logger
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[string]*Subscription),
		byEvent: make(map[EventType][]*Subscription),
		logger:  log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// Register adds a subscription. A missing ID is generated; a zero
// CreatedAt is stamped.
func (r *Registry) Register(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	if sub.URL == "" {
		return fmt.Errorf("subscription URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("subscription needs at least one event type")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Active = true
	sub.FailCount = 0

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already registered", sub.ID)
	}
	r.subs[sub.ID] = sub
	for _, e := range sub.Events {
		r.byEvent[e] = append(r.byEvent[e], sub)
	}
	r.logger.Printf("✅ Registered subscription %s for %d event types", sub.ID, len(sub.Events))
	return nil
}

// Unregister removes a subscription and its index entries.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	for _, e := range sub.Events {
		list := r.byEvent[e]
		for i, s := range list {
			if s.ID == id {
				r.byEvent[e] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byEvent[e]) == 0 {
			delete(r.byEvent, e)
		}
	}
	return true
}

// GetSubscribers returns the active subscriptions for an event type.
func (r *Registry) GetSubscribers(eventType EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out
}

// Get returns a copy of one subscription.
func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// ListAll returns copies of every subscription.
func (r *Registry) ListAll() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, *sub)
	}
	return out
}

// MarkFailed bumps a subscription's consecutive failure count and disables
// it once the count reaches maxFailures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.Active && sub.FailCount >= maxFailures {
		sub.Active = false
		r.logger.Printf("❌ Disabled subscription %s after %d consecutive failures", id, sub.FailCount)
	}
}

// MarkDelivered resets a subscription's failure count after a successful
// delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload computes the delivery signature for a payload. The value is
// hex-encoded HMAC-SHA256 prefixed with the scheme, suitable for the
// X-Ocmt-Signature header.
func (r *Registry) SignPayload(secret string, payload []byte) string {
	return "sha256=" + hex.EncodeToString(crypto.SignHMAC([]byte(secret), payload))
}
