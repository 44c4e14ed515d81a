// Package events carries the activity feed: everything notable that happens
// to an owner (resource calls, approvals, alerts) is emitted here and fans
// out to live SSE and WebSocket subscribers. Delivery is best effort; a
// slow consumer loses events rather than slowing the producer.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocmt/control-plane/internal/metrics"
)

// Emitter publishes activity events. Satisfied by both the in-memory Bus
// and the Pub/Sub-backed bus.
type Emitter interface {
	Emit(eventType, ownerID string, data map[string]interface{})
}

// Transport labels for subscriber accounting.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Event is one activity feed entry.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps a new activity event.
func NewEvent(eventType, ownerID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		OwnerID:   ownerID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as one Server-Sent Events frame:
// "event: {type}\ndata: {json}\n\n".
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data)), nil
}

// Subscriber is one live feed attached to an owner.
type Subscriber struct {
	OwnerID   string
	C         chan *Event
	transport string

	bus  *Bus
	once sync.Once
}

// Close detaches the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus fans events out to an owner's live subscribers. Publishing never
// blocks: a subscriber whose buffer is full loses the event and the drop is
// counted.
type Bus struct {
	mu      sync.RWMutex
	byOwner map[string]map[*Subscriber]struct{}

	metrics    *metrics.Metrics
	logger     *log.Logger
	bufferSize int
}

func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{
		byOwner:    make(map[string]map[*Subscriber]struct{}),
		metrics:    m,
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe attaches a new feed for the owner.
func (b *Bus) Subscribe(ownerID, transport string) *Subscriber {
	sub := &Subscriber{
		OwnerID:   ownerID,
		C:         make(chan *Event, b.bufferSize),
		transport: transport,
		bus:       b,
	}

	b.mu.Lock()
	set, ok := b.byOwner[ownerID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.byOwner[ownerID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if transport == TransportSSE {
		b.metrics.SSESubscribers.Inc()
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.byOwner[sub.OwnerID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.byOwner, sub.OwnerID)
		}
	}
	b.mu.Unlock()

	if sub.transport == TransportSSE {
		b.metrics.SSESubscribers.Dec()
	}
	close(sub.C)
}

// Publish delivers the event to every subscriber of its owner.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.byOwner[e.OwnerID] {
		select {
		case sub.C <- e:
		default:
			// Buffer full. The feed is a live view, not a queue.
			b.metrics.RecordEventDropped(sub.transport)
		}
	}
}

// Emit builds and publishes an activity event.
func (b *Bus) Emit(eventType, ownerID string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, ownerID, data))
}

// SubscriberCount returns the number of live subscribers across all owners.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, set := range b.byOwner {
		count += len(set)
	}
	return count
}

// Shutdown detaches every subscriber. Feed handlers see their channel close
// and finish their responses.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	var subs []*Subscriber
	for _, set := range b.byOwner {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

var _ Emitter = (*Bus)(nil)
