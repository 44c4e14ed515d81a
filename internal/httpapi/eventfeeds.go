package httpapi

import (
	"net/http"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/events"
	"github.com/ocmt/control-plane/internal/identity"
)

// containerStreamTTL bounds the ephemeral token minted for one relayed
// stream, in seconds.
const containerStreamTTL int64 = 3600

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	// ServeOwnerStream fails only before the stream starts, so an error
	// here can still become a JSON response.
	if err := events.ServeOwnerStream(w, r, s.bus, id.OwnerID); err != nil {
		s.writeError(w, err)
	}
}

func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.wsfeed.HandleOwner(w, r, id.OwnerID)
}

// handleContainerStream relays the sandbox container's event stream to the
// browser, minting a short-lived token so the session cookie never leaves
// the control plane.
func (s *Server) handleContainerStream(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.proxy == nil {
		s.writeError(w, apperr.New(apperr.KindServiceUnavailable, "sandbox proxy is not configured"))
		return
	}

	token, err := s.tokens.MintEphemeral(r.Context(), id.OwnerID, containerStreamTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.proxy.Stream(w, r, token); err != nil {
		s.writeError(w, err)
	}
}
