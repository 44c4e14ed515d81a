// Package gateway issues and validates the tokens that bridge the control
// plane and the per-owner sandbox. A permanent token is an owner-scoped
// secret held encrypted at rest; ephemeral tokens are short-lived HMAC
// derivatives of it that the sandbox presents on callbacks, validated
// statelessly with no store lookup.
package gateway

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ocmt/control-plane/internal/crypto"
)

const (
	// PermanentTokenBytes is the entropy of a permanent token; it travels
	// as 64 hex characters.
	PermanentTokenBytes = 32
	// EphemeralNonceBytes is the per-token nonce size (16 hex characters).
	EphemeralNonceBytes = 8

	// MinTTLSeconds and MaxTTLSeconds clamp requested ephemeral lifetimes.
	MinTTLSeconds = 300
	MaxTTLSeconds = 86400

	// RefreshThresholdSeconds is the default remaining-lifetime floor under
	// which callers should mint a replacement token.
	RefreshThresholdSeconds = 300
)

// TokenKind classifies a presented credential.
type TokenKind string

const (
	KindPermanent TokenKind = "permanent"
	KindEphemeral TokenKind = "ephemeral"
	KindUnknown   TokenKind = "unknown"
)

// EphemeralPayload is the signed claim set. Field order is the canonical
// serialization order; the signature is computed over exactly this shape.
type EphemeralPayload struct {
	UserID string `json:"userId"`
	Exp    int64  `json:"exp"`
	Nonce  string `json:"nonce"`
}

type envelope struct {
	Payload   EphemeralPayload `json:"payload"`
	Signature string           `json:"signature"`
}

// NewPermanentToken generates a fresh permanent token as 64 hex characters.
// Callers store it only through the versioned cipher store.
func NewPermanentToken() (string, error) {
	return crypto.RandomHex(PermanentTokenBytes)
}

// IssueEphemeral mints a signed short-lived token for ownerID using the
// owner's permanent token as the signing key. The requested TTL is clamped
// into [MinTTLSeconds, MaxTTLSeconds].
func IssueEphemeral(ownerID, permanent string, ttlSeconds int64) (string, error) {
	if ttlSeconds < MinTTLSeconds {
		ttlSeconds = MinTTLSeconds
	}
	if ttlSeconds > MaxTTLSeconds {
		ttlSeconds = MaxTTLSeconds
	}

	nonce, err := crypto.RandomHex(EphemeralNonceBytes)
	if err != nil {
		return "", err
	}
	payload := EphemeralPayload{
		UserID: ownerID,
		Exp:    time.Now().Unix() + ttlSeconds,
		Nonce:  nonce,
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sig := crypto.SignHMAC([]byte(permanent), canonical)

	raw, err := json.Marshal(envelope{
		Payload:   payload,
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateEphemeral checks a presented token against the owner's permanent
// token. It returns the payload on success and nil on any failure, with no
// indication of which check missed. O(1), no store access.
func ValidateEphemeral(token, permanent string) *EphemeralPayload {
	raw, ok := decodeLoose(token)
	if !ok {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	canonical, err := json.Marshal(env.Payload)
	if err != nil {
		return nil
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil
	}
	if !crypto.VerifyHMAC([]byte(permanent), canonical, sig) {
		return nil
	}
	if env.Payload.Exp < time.Now().Unix() {
		return nil
	}
	return &env.Payload
}

// DecodePayload parses a token's claims WITHOUT verifying the signature.
// Only for expiry inspection and classification; never for authentication.
func DecodePayload(token string) *EphemeralPayload {
	raw, ok := decodeLoose(token)
	if !ok {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if env.Payload.UserID == "" || env.Payload.Exp == 0 || env.Signature == "" {
		return nil
	}
	return &env.Payload
}

// NeedsRefresh reports whether a token's remaining lifetime is below the
// threshold. Unparsable tokens always need a refresh.
func NeedsRefresh(token string, thresholdSeconds int64) bool {
	payload := DecodePayload(token)
	if payload == nil {
		return true
	}
	return payload.Exp-time.Now().Unix() < thresholdSeconds
}

// Classify inspects a credential's shape: 64 hex characters reads as a
// permanent token, a parsable signed envelope as ephemeral, anything else
// as unknown.
func Classify(token string) TokenKind {
	if isHex(token) && len(token) == 2*PermanentTokenBytes {
		return KindPermanent
	}
	if DecodePayload(token) != nil {
		return KindEphemeral
	}
	return KindUnknown
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// decodeLoose accepts URL-safe and standard base64, padded or not. Tokens
// minted here are unpadded URL-safe; other producers have not always been.
func decodeLoose(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}
