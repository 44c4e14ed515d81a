package gateway

import (
	"context"
	"log"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/keyring"
)

// TokenStore persists sealed permanent tokens. Get returns "" with a nil
// error when the owner has no token on file.
type TokenStore interface {
	GetGatewayToken(ctx context.Context, ownerID string) (string, error)
	PutGatewayToken(ctx context.Context, ownerID, sealed string) error
}

// Service is the store-backed side of the gateway: it provisions permanent
// tokens, keeps them keyring-sealed at rest, and mints ephemeral tokens from
// them on demand. The pure token functions in this package stay usable
// without it.
type Service struct {
	store    TokenStore
	ring     *keyring.Keyring
	recorder *audit.Recorder
	logger   *log.Logger
}

func NewService(store TokenStore, ring *keyring.Keyring) *Service {
	return &Service{
		store:  store,
		ring:   ring,
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// SetRecorder attaches the audit trail.
func (s *Service) SetRecorder(r *audit.Recorder) { s.recorder = r }

// Rotate generates a fresh permanent token for the owner, seals it, and
// stores it over any previous one. The plaintext is returned exactly once;
// the old token stops signing valid ephemerals the moment the row lands.
func (s *Service) Rotate(ctx context.Context, ownerID string) (string, error) {
	token, err := NewPermanentToken()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "token generation failed", err)
	}
	sealed, err := s.ring.Encrypt([]byte(token))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "token seal failed", err)
	}
	if err := s.store.PutGatewayToken(ctx, ownerID, sealed); err != nil {
		return "", apperr.Wrap(apperr.KindServiceUnavailable, "token store failed", err)
	}

	s.logger.Printf("✅ Rotated permanent token for owner %s", ownerID)
	s.audit(ownerID, "permanent")
	return token, nil
}

// PermanentToken loads and unseals the owner's permanent token. Returns ""
// with a nil error when none is provisioned.
func (s *Service) PermanentToken(ctx context.Context, ownerID string) (string, error) {
	sealed, err := s.store.GetGatewayToken(ctx, ownerID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindServiceUnavailable, "token lookup failed", err)
	}
	if sealed == "" {
		return "", nil
	}
	plain, err := s.ring.Decrypt(sealed)
	if err != nil {
		s.logger.Printf("❌ Token unseal failed for owner %s: %v", ownerID, err)
		return "", apperr.Wrap(apperr.KindInternal, "token unseal failed", err)
	}
	return string(plain), nil
}

// MintEphemeral issues a short-lived token signed by the owner's stored
// permanent token.
func (s *Service) MintEphemeral(ctx context.Context, ownerID string, ttlSeconds int64) (string, error) {
	permanent, err := s.PermanentToken(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if permanent == "" {
		return "", apperr.New(apperr.KindNotFound, "no gateway token on file")
	}
	token, err := IssueEphemeral(ownerID, permanent, ttlSeconds)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "ephemeral mint failed", err)
	}
	s.audit(ownerID, "ephemeral")
	return token, nil
}

// Reseal re-encrypts the stored token under the current keyring version if
// it is sealed under an older one. A no-op when already current or absent.
func (s *Service) Reseal(ctx context.Context, ownerID string) error {
	sealed, err := s.store.GetGatewayToken(ctx, ownerID)
	if err != nil || sealed == "" {
		return err
	}
	if !s.ring.NeedsReencryption(sealed) {
		return nil
	}
	fresh, err := s.ring.Reencrypt(sealed)
	if err != nil {
		return err
	}
	return s.store.PutGatewayToken(ctx, ownerID, fresh)
}

func (s *Service) audit(ownerID, kind string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(context.Background(), audit.Event{
		ActorID:   ownerID,
		EventType: audit.EventTokenIssued,
		Success:   true,
		Metadata:  map[string]interface{}{"kind": kind},
	})
}
