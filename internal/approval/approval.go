// Package approval implements the capability approval state machine: an
// agent requests scoped access to an owner's resource, the owner decides,
// and an issued capability is recorded. Terminal states are sticky and
// every transition is conditional on the state it leaves.
package approval

import (
	"time"
)

// Permission is one element of the fixed permission lattice.
type Permission string

const (
	PermRead         Permission = "read"
	PermList         Permission = "list"
	PermWrite        Permission = "write"
	PermDelete       Permission = "delete"
	PermAdmin        Permission = "admin"
	PermShareFurther Permission = "share-further"
)

// ValidPermission reports lattice membership.
func ValidPermission(p Permission) bool {
	switch p {
	case PermRead, PermList, PermWrite, PermDelete, PermAdmin, PermShareFurther:
		return true
	}
	return false
}

// DefaultCeiling is the permission set an agent may be granted without an
// explicit override policy. Overrides are refused at this layer.
func DefaultCeiling() []Permission {
	return []Permission{PermRead, PermList}
}

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusIssued   Status = "issued"
)

// Terminal reports whether no further transition may leave the state.
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusExpired, StatusIssued:
		return true
	}
	return false
}

// RequestTTL bounds how long an undecided request stays actionable.
const RequestTTL = 24 * time.Hour

// Constraints carries the reductions an approver may apply. Nil fields mean
// "keep the requested value".
type Constraints struct {
	ExpiresInSeconds *int64       `json:"expiresInSeconds,omitempty"`
	Scope            []Permission `json:"scope,omitempty"`
	MaxCalls         *int64       `json:"maxCalls,omitempty"`
}

// Approval is one capability request and its decision trail. The requested
// fields are immutable after creation; Applied records any reductions made
// at approval time.
type Approval struct {
	ID               string       `json:"id"`
	Token            string       `json:"token"`
	OwnerID          string       `json:"owner_id"`
	SubjectPublicKey string       `json:"subject_public_key"`
	SubjectEmail     string       `json:"subject_email,omitempty"`
	Resource         string       `json:"resource"`
	Scope            []Permission `json:"scope"`
	ExpiresInSeconds int64        `json:"expires_in_seconds"`
	MaxCalls         *int64       `json:"max_calls,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	Status           Status       `json:"status"`
	ExceedsCeiling   []Permission `json:"exceeds_ceiling,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	DecidedAt        *time.Time   `json:"decided_at,omitempty"`
	Applied          *Constraints `json:"applied_constraints,omitempty"`
}

// EffectiveScope is what an issued capability may actually do.
func (a *Approval) EffectiveScope() []Permission {
	if a.Applied != nil && a.Applied.Scope != nil {
		return a.Applied.Scope
	}
	return a.Scope
}

// EffectiveExpiresIn is the capability lifetime after reductions.
func (a *Approval) EffectiveExpiresIn() int64 {
	if a.Applied != nil && a.Applied.ExpiresInSeconds != nil {
		return *a.Applied.ExpiresInSeconds
	}
	return a.ExpiresInSeconds
}

// EffectiveMaxCalls is the call budget after reductions; nil is unlimited.
func (a *Approval) EffectiveMaxCalls() *int64 {
	if a.Applied != nil && a.Applied.MaxCalls != nil {
		return a.Applied.MaxCalls
	}
	return a.MaxCalls
}

// Reduce computes the applied constraints for an approve-with-constraints
// decision. The result never exceeds the request in any dimension: lifetimes
// take the minimum, scope intersects (filter, never extend) and call budgets
// take the null-ignoring minimum.
func Reduce(a *Approval, c Constraints) Constraints {
	applied := Constraints{}

	expires := a.ExpiresInSeconds
	if c.ExpiresInSeconds != nil && *c.ExpiresInSeconds < expires {
		expires = *c.ExpiresInSeconds
	}
	applied.ExpiresInSeconds = &expires

	if c.Scope != nil {
		applied.Scope = Intersect(a.Scope, c.Scope)
	} else {
		applied.Scope = append([]Permission(nil), a.Scope...)
	}

	applied.MaxCalls = minIgnoringNull(a.MaxCalls, c.MaxCalls)
	return applied
}

// Intersect filters original by membership in requested, preserving the
// original order.
func Intersect(original, requested []Permission) []Permission {
	want := make(map[Permission]bool, len(requested))
	for _, p := range requested {
		want[p] = true
	}
	out := make([]Permission, 0, len(original))
	for _, p := range original {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}

// ExceedingPermissions returns the requested permissions outside the
// ceiling, preserving request order.
func ExceedingPermissions(scope, ceiling []Permission) []Permission {
	allowed := make(map[Permission]bool, len(ceiling))
	for _, p := range ceiling {
		allowed[p] = true
	}
	var out []Permission
	for _, p := range scope {
		if !allowed[p] {
			out = append(out, p)
		}
	}
	return out
}

func minIgnoringNull(a, b *int64) *int64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	}
	v := *a
	if *b < v {
		v = *b
	}
	return &v
}

// PresetSeconds maps a UI lifetime preset to seconds. Unknown presets fall
// back to one hour.
func PresetSeconds(preset string, customHours int) int64 {
	switch preset {
	case "1h":
		return 3600
	case "4h":
		return 4 * 3600
	case "1d":
		return 24 * 3600
	case "1w":
		return 7 * 24 * 3600
	case "custom":
		if customHours > 0 {
			return int64(customHours) * 3600
		}
		return 3600
	default:
		return 3600
	}
}
