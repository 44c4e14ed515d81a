package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/identity"
)

// handleAlertTrigger accepts alert-worthy events from sandbox agents. The
// pipeline owns the outcome; the caller only learns that the event was taken.
func (s *Server) handleAlertTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in alerting.TriggerInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.EventType == "" {
		s.writeError(w, apperr.New(apperr.KindValidationFailed, "event_type is required"))
		return
	}
	in.OwnerID = id.OwnerID

	s.alerts.Trigger(r.Context(), in)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted"})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 50, 200)
	entries, err := s.alerts.History(r.Context(), id.OwnerID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	rules, err := s.alerts.Rules(r.Context(), id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (s *Server) handleAlertRuleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var rule alerting.Rule
	if err := decodeJSON(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	rule.ID = mux.Vars(r)["id"]
	rule.OwnerID = id.OwnerID

	updated, err := s.alerts.UpdateRule(r.Context(), id.OwnerID, &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := queryInt(r, "limit", 50, 200)

	list, err := s.alerts.Notifications(r.Context(), id.OwnerID, unreadOnly, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"total":         len(list),
	})
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.alerts.MarkNotificationRead(r.Context(), id.OwnerID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "read"})
}
