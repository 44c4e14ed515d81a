// Package audit records security-relevant actions: who did what to which
// target, from where, and whether it worked. Writes are fire-and-forget so
// the request path never waits on the audit backend; reads power the audit
// query API.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Well-known event types. Free-form types are allowed; these are the ones
// the control plane emits itself.
const (
	EventApprovalCreated = "approval.created"
	EventApprovalDecided = "approval.decided"
	EventApprovalRefused = "approval.ceiling_refused"
	EventResourceCall    = "resource.call"
	EventVaultCreated    = "vault.created"
	EventVaultUnlock     = "vault.unlock"
	EventVaultRecover    = "vault.recover"
	EventVaultRekey      = "vault.password_change"
	EventTokenIssued     = "gateway.token_issued"
	EventLoginFailed     = "auth.login_failed"
)

// Event is one audit row.
type Event struct {
	ID        string                 `json:"id"`
	ActorID   string                 `json:"actor_id"`
	EventType string                 `json:"event_type"`
	TargetID  string                 `json:"target_id,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Query filters an audit read. Zero fields match everything.
type Query struct {
	ActorID   string
	EventType string
	TargetID  string
	Success   *bool
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}

// Store persists and queries audit events.
type Store interface {
	Insert(ctx context.Context, e Event) error
	// Search returns matching events newest first.
	Search(ctx context.Context, q Query) ([]Event, error)
}

// insertTimeout bounds the detached write so a wedged backend cannot pile
// up goroutines forever.
const insertTimeout = 5 * time.Second

// Recorder is the write-behind front of the audit store. Record returns
// immediately; persistence happens on a detached goroutine and failures are
// logged, never surfaced to the caller.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record stamps and persists an event without blocking the caller.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.store == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	go func() {
		// Detached from the request context: the record should land even
		// when the request has already finished.
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		if err := r.store.Insert(ctx, e); err != nil {
			slog.Error("[Audit] failed to persist event",
				"event_type", e.EventType,
				"actor_id", e.ActorID,
				"error", err,
			)
		}
	}()
}

// Search proxies a read through to the store.
func (r *Recorder) Search(ctx context.Context, q Query) ([]Event, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.Search(ctx, q)
}
