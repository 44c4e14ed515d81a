package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/approval"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/notify"
)

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		approval.CreateParams
		ExpiresPreset string `json:"expires_preset"`
		CustomHours   int    `json:"custom_hours"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	// The caller's identity decides the owner, never the body.
	req.OwnerID = id.OwnerID
	if req.ExpiresPreset != "" {
		req.ExpiresInSeconds = approval.PresetSeconds(req.ExpiresPreset, req.CustomHours)
	}

	a, err := s.approvals.Create(r.Context(), req.CreateParams)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.emitter.Emit("approval.requested", a.OwnerID, map[string]interface{}{
		"approval_id":     a.ID,
		"resource":        a.Resource,
		"subject_email":   a.SubjectEmail,
		"exceeds_ceiling": len(a.ExceedsCeiling) > 0,
	})
	if s.notifier != nil {
		s.notifier.Dispatch(notify.NewEvent(notify.EventApprovalRequested, a.OwnerID, map[string]interface{}{
			"approval_id":   a.ID,
			"resource":      a.Resource,
			"subject_email": a.SubjectEmail,
		}))
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.approvals.ListByOwner(r.Context(), id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": list,
		"total":     len(list),
	})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.ownedApproval(r, id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, func(id string) (*approval.Approval, error) {
		return s.approvals.Approve(r.Context(), id)
	}, "approved")
}

func (s *Server) handleApprovalConstrain(w http.ResponseWriter, r *http.Request) {
	var c approval.Constraints
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	s.decideApproval(w, r, func(id string) (*approval.Approval, error) {
		return s.approvals.ApproveWithConstraints(r.Context(), id, c)
	}, "approved")
}

func (s *Server) handleApprovalDeny(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, func(id string) (*approval.Approval, error) {
		return s.approvals.Deny(r.Context(), id)
	}, "denied")
}

// handleApprovalIssued closes the loop after the capability token went out.
// The caller proves possession with the approval token rather than the row
// id alone.
func (s *Server) handleApprovalIssued(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	a, err := s.approvals.GetByToken(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if a.ID != mux.Vars(r)["id"] || a.OwnerID != id.OwnerID {
		s.writeError(w, apperr.New(apperr.KindAuthInvalid, "invalid approval token"))
		return
	}

	a, err = s.approvals.MarkIssued(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.emitter.Emit("capability.issued", a.OwnerID, map[string]interface{}{
		"approval_id": a.ID,
		"resource":    a.Resource,
	})
	if s.notifier != nil {
		s.notifier.Dispatch(notify.NewEvent(notify.EventCapabilityIssued, a.OwnerID, map[string]interface{}{
			"approval_id": a.ID,
			"resource":    a.Resource,
			"scope":       a.Scope,
		}))
	}
	writeJSON(w, http.StatusOK, a)
}

// ============================================================================
// SHARED PIECES
// ============================================================================

// ownedApproval fetches the row in the path and hides rows of other owners
// behind the same not-found shape as a missing id.
func (s *Server) ownedApproval(r *http.Request, ownerID string) (*approval.Approval, error) {
	a, err := s.approvals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if a.OwnerID != ownerID {
		return nil, apperr.New(apperr.KindNotFound, "approval not found")
	}
	return a, nil
}

// decideApproval runs one owner decision end to end: ownership check, state
// transition, feed and webhook fan-out.
func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, decide func(string) (*approval.Approval, error), decision string) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.ownedApproval(r, id.OwnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	decided, err := decide(a.ID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindForbidden) {
			s.alerts.Trigger(r.Context(), alerting.TriggerInput{
				EventType: "approval.ceiling_refused",
				OwnerID:   id.OwnerID,
				Title:     "Approval refused by permission ceiling",
				Message:   "An approval asked for more than this account allows",
				Metadata: map[string]interface{}{
					"approval_id": a.ID,
					"resource":    a.Resource,
				},
			})
		}
		s.writeError(w, err)
		return
	}

	s.emitter.Emit("approval.decided", decided.OwnerID, map[string]interface{}{
		"approval_id": decided.ID,
		"decision":    decision,
		"resource":    decided.Resource,
	})
	if s.notifier != nil {
		s.notifier.Dispatch(notify.NewEvent(notify.EventApprovalDecided, decided.OwnerID, map[string]interface{}{
			"approval_id": decided.ID,
			"decision":    decision,
			"resource":    decided.Resource,
		}))
	}
	writeJSON(w, http.StatusOK, decided)
}
