package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/ocmt/control-plane/internal/apperr"
)

// maxRequestBytes bounds every JSON body this layer decodes. Resource-call
// payloads are the largest legitimate requests and stay under the outbound
// fabric's own body cap.
const maxRequestBytes = 5 << 20

// errorBody is the external error envelope: a stable code, a human message
// and, outside production, whatever detail the error carried.
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeJSON encodes v with the given status. Once the status line is on the
// wire an encoding failure has no recovery, so it is ignored.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError renders err through the taxonomy. Unclassified errors collapse
// to a generic internal shape before anything reaches the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := apperr.Sanitize(err)
	body := errorBody{Code: string(e.Kind), Message: e.Message}
	if !s.production && len(e.Details) > 0 {
		body.Details = e.Details
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), body)
}

// decodeJSON reads a bounded request body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidationFailed, "request body is not valid JSON", err)
	}
	return nil
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed and clamping to max when max > 0.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
