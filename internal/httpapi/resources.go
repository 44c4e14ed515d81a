package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/outbound"
)

func (s *Server) handleResourceList(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resources, err := s.outbound.Resources(r.Context(), id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	grants, err := s.outbound.Grants(r.Context(), id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resources": resources,
		"grants":    grants,
		"total":     len(resources),
	})
}

// handleResourceCall relays one request to a connected upstream. The body
// travels base64-encoded both ways; the proxy never interprets it.
func (s *Server) handleResourceCall(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Method  string      `json:"method"`
		Path    string      `json:"path"`
		Query   string      `json:"query"`
		Body    []byte      `json:"body"`
		Headers http.Header `json:"headers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resourceID := mux.Vars(r)["id"]
	result, err := s.outbound.Call(r.Context(), outbound.CallRequest{
		OwnerID:    id.OwnerID,
		ResourceID: resourceID,
		Method:     req.Method,
		Path:       req.Path,
		Query:      req.Query,
		Body:       req.Body,
		Headers:    req.Headers,
	})
	if err != nil {
		var blocked *outbound.BlockedError
		if errors.As(err, &blocked) {
			s.alerts.Trigger(r.Context(), alerting.TriggerInput{
				EventType: "resource.call.blocked",
				OwnerID:   id.OwnerID,
				Title:     "Outbound call blocked",
				Message:   "A relay request resolved to a destination the guard refuses",
				Metadata: map[string]interface{}{
					"resource_id": resourceID,
					"reason":      blocked.Reason,
				},
			})
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
