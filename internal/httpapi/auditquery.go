package httpapi

import (
	"net/http"
	"time"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/identity"
)

// handleAuditSearch serves the owner's own trail. The actor filter is pinned
// to the caller; the remaining filters come from the query string.
func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	q := audit.Query{
		ActorID:   id.OwnerID,
		EventType: r.URL.Query().Get("event_type"),
		TargetID:  r.URL.Query().Get("target_id"),
		Limit:     queryInt(r, "limit", 50, 200),
		Offset:    queryInt(r, "offset", 0, 0),
	}
	switch r.URL.Query().Get("success") {
	case "":
	case "true":
		v := true
		q.Success = &v
	case "false":
		v := false
		q.Success = &v
	default:
		s.writeError(w, apperr.New(apperr.KindValidationFailed, "success must be true or false"))
		return
	}
	for name, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, apperr.Newf(apperr.KindValidationFailed, "%s must be RFC3339", name))
			return
		}
		*dst = t
	}

	events, err := s.auditor.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}
