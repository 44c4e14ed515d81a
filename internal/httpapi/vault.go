package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/ratelimit"
	"github.com/ocmt/control-plane/internal/vault"
)

const minVaultPassword = 8

// vaultSessionHeader carries the unlocked-session token. It is a second
// factor on top of the browser session, never a replacement for it.
const vaultSessionHeader = "X-Vault-Session"

func (s *Server) handleVaultCreate(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Password) < minVaultPassword {
		s.writeError(w, apperr.Newf(apperr.KindValidationFailed, "password must be at least %d characters", minVaultPassword))
		return
	}

	existing, err := s.store.GetVault(r.Context(), id.OwnerID)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "vault lookup failed", err))
		return
	}
	if existing != nil {
		s.writeError(w, apperr.New(apperr.KindConflict, "vault already exists"))
		return
	}

	start := time.Now()
	blob, phrase, err := s.vault.Create(req.Password)
	s.metrics.KDFDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordVaultOp("create", "error")
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "vault creation failed", err))
		return
	}
	raw, err := blob.Marshal()
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "vault creation failed", err))
		return
	}
	if err := s.store.PutVault(r.Context(), id.OwnerID, raw); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "vault store failed", err))
		return
	}

	s.metrics.RecordVaultOp("create", "ok")
	s.auditor.Record(r.Context(), audit.Event{
		ActorID:   id.OwnerID,
		EventType: audit.EventVaultCreated,
		IP:        ratelimit.ClientIP(r, s.trusted),
		Success:   true,
	})

	// The phrase crosses the wire exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"recoveryPhrase": phrase,
		"created":        blob.Created,
	})
}

func (s *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	blob, appErr := s.loadVault(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}

	ip := ratelimit.ClientIP(r, s.trusted)
	start := time.Now()
	plaintext, key, err := s.vault.Unlock(blob, req.Password)
	s.metrics.KDFDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordVaultOp("unlock", "denied")
		s.auditor.Record(r.Context(), audit.Event{
			ActorID:   id.OwnerID,
			EventType: audit.EventLoginFailed,
			IP:        ip,
			Success:   false,
			Error:     "vault unlock refused",
		})
		s.alerts.Trigger(r.Context(), alerting.TriggerInput{
			EventType: "login.failed",
			OwnerID:   id.OwnerID,
			Title:     "Failed vault unlock",
			Message:   "A vault unlock attempt was refused",
			Metadata:  map[string]interface{}{"ip": ip},
		})
		s.writeError(w, apperr.New(apperr.KindAuthInvalid, "invalid password"))
		return
	}

	token, err := s.sessions.Establish(id.OwnerID, key)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "vault session failed", err))
		return
	}

	s.metrics.RecordVaultOp("unlock", "ok")
	s.auditor.Record(r.Context(), audit.Event{
		ActorID:   id.OwnerID,
		EventType: audit.EventVaultUnlock,
		IP:        ip,
		Success:   true,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionToken": token,
		"data":         json.RawMessage(plaintext),
		"updated":      blob.Updated,
	})
}

func (s *Server) handleVaultGet(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	key, appErr := s.vaultKey(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}
	blob, appErr := s.loadVault(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}

	plaintext, err := s.vault.UnlockWithKey(blob, key)
	if err != nil {
		s.metrics.RecordVaultOp("read", "denied")
		s.writeError(w, apperr.New(apperr.KindAuthInvalid, "vault session expired or invalid"))
		return
	}

	s.sessions.Touch(r.Header.Get(vaultSessionHeader), id.OwnerID)
	s.metrics.RecordVaultOp("read", "ok")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":    json.RawMessage(plaintext),
		"updated": blob.Updated,
	})
}

func (s *Server) handleVaultUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Data) == 0 || !json.Valid(req.Data) {
		s.writeError(w, apperr.New(apperr.KindValidationFailed, "data must be a JSON document"))
		return
	}

	key, appErr := s.vaultKey(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}
	blob, appErr := s.loadVault(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}

	next, err := s.vault.Update(blob, key, req.Data)
	if errors.Is(err, vault.ErrUnlockFailed) {
		// The held key no longer opens the blob: the password changed under
		// this session. Drop it.
		s.sessions.Clear(r.Header.Get(vaultSessionHeader))
		s.metrics.RecordVaultOp("update", "denied")
		s.writeError(w, apperr.New(apperr.KindAuthInvalid, "vault session expired or invalid"))
		return
	}
	if err != nil {
		s.metrics.RecordVaultOp("update", "error")
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "vault update failed", err))
		return
	}

	raw, err := next.Marshal()
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "vault update failed", err))
		return
	}
	if err := s.store.PutVault(r.Context(), id.OwnerID, raw); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "vault store failed", err))
		return
	}

	s.sessions.Touch(r.Header.Get(vaultSessionHeader), id.OwnerID)
	s.metrics.RecordVaultOp("update", "ok")
	s.pushIntegrations(id.OwnerID, req.Data)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": next.Updated,
	})
}

func (s *Server) handleVaultRecover(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Phrase string `json:"phrase"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	blob, appErr := s.loadVault(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}

	ip := ratelimit.ClientIP(r, s.trusted)
	plaintext, err := s.vault.Recover(blob, strings.TrimSpace(req.Phrase))
	if err != nil {
		s.metrics.RecordVaultOp("recover", "denied")
		s.auditor.Record(r.Context(), audit.Event{
			ActorID:   id.OwnerID,
			EventType: audit.EventVaultRecover,
			IP:        ip,
			Success:   false,
			Error:     "recovery refused",
		})
		s.writeError(w, apperr.New(apperr.KindAuthInvalid, "invalid recovery phrase"))
		return
	}

	s.metrics.RecordVaultOp("recover", "ok")
	s.auditor.Record(r.Context(), audit.Event{
		ActorID:   id.OwnerID,
		EventType: audit.EventVaultRecover,
		IP:        ip,
		Success:   true,
	})
	s.alerts.Trigger(r.Context(), alerting.TriggerInput{
		EventType: "vault.recovered",
		OwnerID:   id.OwnerID,
		Title:     "Vault recovered with recovery phrase",
		Message:   "The vault was opened using the recovery phrase. Change the password if this was not you.",
		Metadata:  map[string]interface{}{"ip": ip},
	})
	if s.notifier != nil {
		s.notifier.Dispatch(notify.NewEvent(notify.EventVaultRecovered, id.OwnerID, map[string]interface{}{
			"ip": ip,
		}))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": json.RawMessage(plaintext),
	})
}

func (s *Server) handleVaultPassword(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.NewPassword) < minVaultPassword {
		s.writeError(w, apperr.Newf(apperr.KindValidationFailed, "password must be at least %d characters", minVaultPassword))
		return
	}

	blob, appErr := s.loadVault(r, id.OwnerID)
	if appErr != nil {
		s.writeError(w, appErr)
		return
	}

	ip := ratelimit.ClientIP(r, s.trusted)
	next, err := s.vault.ChangePassword(blob, req.OldPassword, req.NewPassword)
	if errors.Is(err, vault.ErrUnlockFailed) {
		s.metrics.RecordVaultOp("rekey", "denied")
		s.auditor.Record(r.Context(), audit.Event{
			ActorID:   id.OwnerID,
			EventType: audit.EventLoginFailed,
			IP:        ip,
			Success:   false,
			Error:     "password change refused",
		})
		s.writeError(w, apperr.New(apperr.KindAuthInvalid, "invalid password"))
		return
	}
	if err != nil {
		s.metrics.RecordVaultOp("rekey", "error")
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "password change failed", err))
		return
	}

	raw, err := next.Marshal()
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "password change failed", err))
		return
	}
	if err := s.store.PutVault(r.Context(), id.OwnerID, raw); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "vault store failed", err))
		return
	}

	// Every held session key derives from the old password.
	s.sessions.ClearOwner(id.OwnerID)
	s.metrics.RecordVaultOp("rekey", "ok")
	s.auditor.Record(r.Context(), audit.Event{
		ActorID:   id.OwnerID,
		EventType: audit.EventVaultRekey,
		IP:        ip,
		Success:   true,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": next.Updated,
	})
}

func (s *Server) handleVaultLock(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sessions.ClearOwner(id.OwnerID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "locked"})
}

// ============================================================================
// SHARED PIECES
// ============================================================================

// loadVault fetches and parses the owner's blob.
func (s *Server) loadVault(r *http.Request, ownerID string) (*vault.Blob, error) {
	row, err := s.store.GetVault(r.Context(), ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "vault lookup failed", err)
	}
	if row == nil {
		return nil, apperr.New(apperr.KindNotFound, "no vault on file")
	}
	blob, err := vault.ParseBlob(row.Blob)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "vault blob unreadable", err)
	}
	return blob, nil
}

// vaultKey resolves the unlocked-session key presented in the header.
func (s *Server) vaultKey(r *http.Request, ownerID string) ([]byte, error) {
	token := r.Header.Get(vaultSessionHeader)
	if token == "" {
		return nil, apperr.New(apperr.KindAuthRequired, "vault session required")
	}
	key, ok := s.sessions.Key(token, ownerID)
	if !ok {
		return nil, apperr.New(apperr.KindAuthInvalid, "vault session expired or invalid")
	}
	return key, nil
}

// pushIntegrations hands the document's integration records to the
// credential sync fan-out, when a sandbox is configured.
func (s *Server) pushIntegrations(ownerID string, doc json.RawMessage) {
	if s.syncer == nil {
		return
	}
	var parsed struct {
		Integrations json.RawMessage `json:"integrations"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil || len(parsed.Integrations) == 0 {
		return
	}
	s.syncer.Sync(ownerID, parsed.Integrations)
}
