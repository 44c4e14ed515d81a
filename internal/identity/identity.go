// Package identity resolves who is calling. Browser surfaces authenticate
// with an HS256-signed session cookie minted at login; sandbox callbacks
// authenticate with an ephemeral gateway token. Both paths produce the same
// Identity value, injected into the request context for handlers.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/gateway"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "ocmt_session"

// DefaultSessionTTL bounds a minted session when no TTL is configured.
const DefaultSessionTTL = 24 * time.Hour

// Via values report which credential authenticated a request.
const (
	ViaSession   = "session"
	ViaEphemeral = "ephemeral"
)

// Identity is the resolved caller of a request. Sessions carry the full
// triple; ephemeral tokens resolve to an owner only.
type Identity struct {
	OwnerID   string
	TenantID  string
	SandboxID string
	Via       string
}

// ============================================================================
// SESSION COOKIE CODEC
// ============================================================================

type sessionClaims struct {
	OwnerID   string `json:"ownerId"`
	TenantID  string `json:"tenantId"`
	SandboxID string `json:"sandboxId"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session cookies. Login lives with the platform's
// auth frontend; this side verifies what it minted, and Mint is the reference
// implementation of that contract.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec builds a codec from the shared session secret. TTL falls back to
// DefaultSessionTTL when zero.
func NewCodec(secret string, ttl time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("identity: session secret must be set")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Codec{secret: []byte(secret), ttl: ttl}, nil
}

// Mint signs a session token for the given caller.
func (c *Codec) Mint(id Identity) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		OwnerID:   id.OwnerID,
		TenantID:  id.TenantID,
		SandboxID: id.SandboxID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.OwnerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Parse verifies a session token and returns the caller it names. Only HS256
// is accepted; expiry is enforced.
func (c *Codec) Parse(token string) (Identity, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, err
	}
	if claims.OwnerID == "" {
		return Identity{}, errors.New("identity: session carries no owner")
	}
	return Identity{
		OwnerID:   claims.OwnerID,
		TenantID:  claims.TenantID,
		SandboxID: claims.SandboxID,
		Via:       ViaSession,
	}, nil
}

// ============================================================================
// REQUEST RESOLUTION
// ============================================================================

// TokenSource resolves an owner's stored permanent gateway token. An empty
// string with a nil error means no token is on file.
type TokenSource interface {
	PermanentToken(ctx context.Context, ownerID string) (string, error)
}

// Authenticator turns request credentials into an Identity.
type Authenticator struct {
	codec  *Codec
	tokens TokenSource
}

func NewAuthenticator(codec *Codec, tokens TokenSource) *Authenticator {
	return &Authenticator{codec: codec, tokens: tokens}
}

// Session authenticates via the session cookie.
func (a *Authenticator) Session(r *http.Request) (Identity, error) {
	cook, err := r.Cookie(SessionCookie)
	if err != nil || cook.Value == "" {
		return Identity{}, apperr.New(apperr.KindAuthRequired, "session required")
	}
	id, err := a.codec.Parse(cook.Value)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindAuthInvalid, "session is invalid or expired", err)
	}
	return id, nil
}

// Ephemeral authenticates a sandbox callback via its bearer token. The
// claimed owner's permanent token keys the signature check; failures share
// one message with no indication of which check missed.
func (a *Authenticator) Ephemeral(ctx context.Context, r *http.Request) (Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return Identity{}, apperr.New(apperr.KindAuthRequired, "bearer token required")
	}
	payload := gateway.DecodePayload(token)
	if payload == nil {
		return Identity{}, errInvalidToken()
	}
	permanent, err := a.tokens.PermanentToken(ctx, payload.UserID)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindServiceUnavailable, "token lookup failed", err)
	}
	if permanent == "" {
		return Identity{}, errInvalidToken()
	}
	valid := gateway.ValidateEphemeral(token, permanent)
	if valid == nil {
		return Identity{}, errInvalidToken()
	}
	return Identity{OwnerID: valid.UserID, Via: ViaEphemeral}, nil
}

// Resolve authenticates with whichever credential the request carries. A
// session cookie wins over a bearer token when both are present.
func (a *Authenticator) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	if cook, err := r.Cookie(SessionCookie); err == nil && cook.Value != "" {
		return a.Session(r)
	}
	if BearerToken(r) != "" {
		return a.Ephemeral(ctx, r)
	}
	return Identity{}, apperr.New(apperr.KindAuthRequired, "authentication required")
}

// BearerToken extracts the Authorization bearer credential, if any.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func errInvalidToken() error {
	return apperr.New(apperr.KindAuthInvalid, "token is invalid or expired")
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the resolved caller to the request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the resolved caller.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok || id.OwnerID == "" {
		return Identity{}, errors.New("request identity missing")
	}
	return id, nil
}

// OwnerID returns the calling owner's id, or "" when unauthenticated.
func OwnerID(ctx context.Context) string {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return ""
	}
	return id.OwnerID
}
