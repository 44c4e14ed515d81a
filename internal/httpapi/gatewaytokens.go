package httpapi

import (
	"net/http"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/gateway"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/notify"
)

func (s *Server) handleTokenRotate(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	token, err := s.tokens.Rotate(r.Context(), id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.notifier != nil {
		s.notifier.Dispatch(notify.NewEvent(notify.EventTokenRotated, id.OwnerID, nil))
	}
	// Plaintext leaves the server exactly once. Only the sealed form is stored.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
	})
}

func (s *Server) handleTokenEphemeral(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		TTLSeconds int64 `json:"ttlSeconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	token, err := s.tokens.MintEphemeral(r.Context(), id.OwnerID, req.TTLSeconds)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]interface{}{"token": token}
	if payload := gateway.DecodePayload(token); payload != nil {
		resp["expiresAt"] = payload.Exp
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTokenValidate is called by sandbox containers holding an ephemeral
// token. It answers 200 with valid=false rather than an error status so the
// container can distinguish "bad token" from "control plane down".
func (s *Server) handleTokenValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	invalid := map[string]interface{}{"valid": false}

	payload := gateway.DecodePayload(req.Token)
	if payload == nil || payload.UserID == "" {
		writeJSON(w, http.StatusOK, invalid)
		return
	}
	permanent, err := s.tokens.PermanentToken(r.Context(), payload.UserID)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "token lookup failed", err))
		return
	}
	if permanent == "" {
		writeJSON(w, http.StatusOK, invalid)
		return
	}
	verified := gateway.ValidateEphemeral(req.Token, permanent)
	if verified == nil {
		writeJSON(w, http.StatusOK, invalid)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":        true,
		"userId":       verified.UserID,
		"exp":          verified.Exp,
		"needsRefresh": gateway.NeedsRefresh(req.Token, gateway.RefreshThresholdSeconds),
	})
}
