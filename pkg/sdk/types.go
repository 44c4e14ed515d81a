package sdk

import (
	"fmt"
	"net/http"
	"time"
)

// Approval statuses as the control plane reports them.
const (
	// StatusPending: waiting for the owner's decision
	StatusPending = "pending"

	// StatusApproved: granted, capability token not yet collected
	StatusApproved = "approved"

	// StatusDenied: refused by the owner
	StatusDenied = "denied"

	// StatusExpired: the request aged out before a decision
	StatusExpired = "expired"

	// StatusIssued: the capability token went out; the approval is spent
	StatusIssued = "issued"
)

// Severities accepted on alert events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Permissions in the control plane's scope lattice.
const (
	PermRead   = "read"
	PermList   = "list"
	PermWrite  = "write"
	PermDelete = "delete"
)

// ApprovalRequest asks an owner for scoped access to one of their
// resources. Lifetime comes from ExpiresInSeconds or from a preset
// ("1h", "4h", "24h", "7d", or "custom" with CustomHours).
type ApprovalRequest struct {
	// SubjectPublicKey identifies who will hold the capability (required)
	SubjectPublicKey string `json:"subject_public_key"`

	// SubjectEmail is shown to the owner next to the request
	SubjectEmail string `json:"subject_email,omitempty"`

	// Resource names what is being requested, e.g. "github" (required)
	Resource string `json:"resource"`

	// Scope lists the requested permissions, e.g. ["read", "list"]
	Scope []string `json:"scope,omitempty"`

	// ExpiresInSeconds sets the capability lifetime directly
	ExpiresInSeconds int64 `json:"expires_in_seconds,omitempty"`

	// ExpiresPreset picks a named lifetime instead
	ExpiresPreset string `json:"expires_preset,omitempty"`

	// CustomHours goes with ExpiresPreset "custom"
	CustomHours int `json:"custom_hours,omitempty"`

	// MaxCalls caps how often the capability may be used; nil is unlimited
	MaxCalls *int64 `json:"max_calls,omitempty"`

	// Reason is free text shown to the owner
	Reason string `json:"reason,omitempty"`
}

// Constraints records the reductions the owner applied when approving.
type Constraints struct {
	ExpiresInSeconds *int64   `json:"expiresInSeconds,omitempty"`
	Scope            []string `json:"scope,omitempty"`
	MaxCalls         *int64   `json:"maxCalls,omitempty"`
}

// Approval is one capability request and its decision trail.
type Approval struct {
	// ID addresses the approval in later calls
	ID string `json:"id"`

	// Token proves the requester's claim on this approval; keep it secret
	Token string `json:"token"`

	// OwnerID is the tenant who decides
	OwnerID string `json:"owner_id"`

	SubjectPublicKey string   `json:"subject_public_key"`
	SubjectEmail     string   `json:"subject_email,omitempty"`
	Resource         string   `json:"resource"`
	Scope            []string `json:"scope"`
	ExpiresInSeconds int64    `json:"expires_in_seconds"`
	MaxCalls         *int64   `json:"max_calls,omitempty"`
	Reason           string   `json:"reason,omitempty"`

	// Status is one of the Status* constants
	Status string `json:"status"`

	// ExceedsCeiling lists requested permissions above the subject's ceiling
	ExceedsCeiling []string `json:"exceeds_ceiling,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// Applied is set when the owner approved with reductions
	Applied *Constraints `json:"applied_constraints,omitempty"`
}

// ResourceCall describes one request to relay through a connected
// resource. Body is raw bytes; the wire encoding is handled for you.
type ResourceCall struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Query   string      `json:"query,omitempty"`
	Body    []byte      `json:"body,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
}

// CallResult carries the upstream response back. A non-2xx upstream
// status is a result, not an error.
type CallResult struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`

	// Truncated is set when the body hit the relay's size cap
	Truncated bool `json:"truncated,omitempty"`

	DurationMs int64 `json:"duration_ms"`
}

// AlertEvent reports one alert-worthy observation. The owner's alert
// rules decide whether and where it surfaces.
type AlertEvent struct {
	// EventType names the observation, e.g. "login.failed" (required)
	EventType string `json:"event_type"`

	// GroupID scopes deduplication, e.g. a sandbox or session id
	GroupID string `json:"group_id,omitempty"`

	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`

	// Severity is one of the Severity* constants; empty uses the default
	Severity string `json:"severity,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TokenStatus is the control plane's verdict on an ephemeral token.
type TokenStatus struct {
	Valid bool `json:"valid"`

	// UserID is the owner the token stands for, when valid
	UserID string `json:"userId,omitempty"`

	// Exp is the expiry as a Unix timestamp
	Exp int64 `json:"exp,omitempty"`

	// NeedsRefresh is set when the token is inside its refresh window
	NeedsRefresh bool `json:"needsRefresh,omitempty"`
}

// APIError is a non-2xx control-plane answer, decoded from the standard
// error envelope.
type APIError struct {
	// StatusCode is the HTTP status the control plane answered with
	StatusCode int `json:"-"`

	// Code is the stable machine-readable kind, e.g. "forbidden"
	Code string `json:"code"`

	// Message says what went wrong
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane: %s (%s)", e.Message, e.Code)
}
