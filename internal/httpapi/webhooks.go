package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/crypto"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/storage"
)

// handleWebhookRegister stores a delivery endpoint and returns its signing
// secret. Only the sealed form of the secret is persisted, so the response
// is the one chance to read it.
func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.writeError(w, apperr.New(apperr.KindValidationFailed, "url must be an absolute http(s) URL"))
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, apperr.New(apperr.KindValidationFailed, "at least one event type is required"))
		return
	}
	events := make([]notify.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := notify.EventType(e)
		if !notify.KnownEventType(t) {
			s.writeError(w, apperr.Newf(apperr.KindValidationFailed, "unknown event type %q", e))
			return
		}
		events = append(events, t)
	}

	secret, err := crypto.RandomHex(32)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "secret generation failed", err))
		return
	}
	sealed, err := s.ring.Encrypt([]byte(secret))
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "secret generation failed", err))
		return
	}

	subID := uuid.NewString()
	row := &storage.SubscriptionRow{
		ID:              subID,
		OwnerID:         id.OwnerID,
		URL:             req.URL,
		Events:          req.Events,
		EncryptedSecret: sealed,
		Active:          true,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.InsertSubscription(r.Context(), row); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "subscription store failed", err))
		return
	}
	if err := s.registry.Register(&notify.Subscription{
		ID:      subID,
		OwnerID: id.OwnerID,
		URL:     req.URL,
		Events:  events,
		Secret:  secret,
	}); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "subscription registration failed", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     subID,
		"secret": secret,
	})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	subID := mux.Vars(r)["id"]

	sub, ok := s.registry.Get(subID)
	if !ok || sub.OwnerID != id.OwnerID {
		s.writeError(w, apperr.New(apperr.KindNotFound, "webhook not found"))
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), id.OwnerID, subID); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "subscription store failed", err))
		return
	}
	s.registry.Unregister(subID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted"})
}
