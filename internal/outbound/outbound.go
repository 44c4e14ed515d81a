// Package outbound invokes tenant-connected external resources on behalf of
// their owners. Every call clears a grant check, a per-resource rate limit,
// and an SSRF guard before a single byte leaves the process; credentials
// stay keyring-encrypted until the moment they are injected.
package outbound

import (
	"net/http"
	"strings"
	"time"

	"github.com/ocmt/control-plane/internal/approval"
)

// Resource statuses.
const (
	ResourceActive   = "active"
	ResourceDisabled = "disabled"
)

// Grant statuses. A grant starts out "granted"; the owner flips it to
// "connected" to opt in to invocation.
const (
	GrantGranted   = "granted"
	GrantConnected = "connected"
)

// AuthType selects how credentials ride on the upstream request.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// AuthConfig is the decrypted credential material for one resource. It is
// persisted keyring-encrypted on the Resource row and never serialized back
// out of this package.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// Bearer and api_key.
	Token string `json:"token,omitempty"`

	// api_key placement: "header" (default) or "query".
	In         string `json:"in,omitempty"`
	HeaderName string `json:"header_name,omitempty"`
	QueryParam string `json:"query_param,omitempty"`

	// Basic.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Resource is one external endpoint an owner has registered.
type Resource struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	BaseEndpoint string    `json:"base_endpoint"`
	Status       string    `json:"status"`
	// EncryptedAuth holds the keyring-sealed AuthConfig JSON.
	EncryptedAuth string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Grant records which permissions an owner holds on a resource.
type Grant struct {
	ID         string                `json:"id"`
	OwnerID    string                `json:"owner_id"`
	ResourceID string                `json:"resource_id"`
	Status     string                `json:"status"`
	Scope      []approval.Permission `json:"scope"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Connected reports whether the owner has opted in to invoke the resource.
func (g *Grant) Connected() bool { return g.Status == GrantConnected }

// Allows reports whether the grant scope carries the permission.
func (g *Grant) Allows(p approval.Permission) bool {
	for _, s := range g.Scope {
		if s == p {
			return true
		}
	}
	return false
}

// CallRequest is one resource invocation as received from the API layer.
type CallRequest struct {
	OwnerID    string
	ResourceID string
	Method     string
	Path       string
	Query      string
	Body       []byte
	Headers    http.Header
}

// CallResult carries the upstream response back verbatim. Non-2xx statuses
// are results, not errors.
type CallResult struct {
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	Truncated  bool        `json:"truncated,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// PermissionForMethod maps an HTTP verb onto the grant permission it needs:
// GET reads, POST/PUT/PATCH write, DELETE deletes. Anything else returns
// the empty permission and the call is rejected.
func PermissionForMethod(method string) approval.Permission {
	switch strings.ToUpper(method) {
	case http.MethodGet:
		return approval.PermRead
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return approval.PermWrite
	case http.MethodDelete:
		return approval.PermDelete
	default:
		return ""
	}
}

// JoinURL glues base endpoint and caller path together with exactly one
// slash, then appends the query string if present.
func JoinURL(base, path, query string) string {
	u := strings.TrimRight(base, "/")
	if p := strings.TrimLeft(path, "/"); p != "" {
		u += "/" + p
	}
	if query != "" {
		u += "?" + strings.TrimPrefix(query, "?")
	}
	return u
}
