package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ch1109/maestro/internal/hosterr"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusForKind(kind hosterr.Kind) int {
	switch kind {
	case hosterr.KindValidation:
		return http.StatusBadRequest
	case hosterr.KindNotFound:
		return http.StatusNotFound
	case hosterr.KindConflict:
		return http.StatusConflict
	case hosterr.KindPolicy:
		return http.StatusForbidden
	case hosterr.KindTimeout:
		return http.StatusGatewayTimeout
	case hosterr.KindTransport, hosterr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := hosterr.KindOf(err)
	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Message = err.Error()
	s.writeJSON(w, statusForKind(kind), body)
}

// decodeJSON reads the request body into dst. An empty body is allowed so
// verdict endpoints work without one.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return hosterr.Wrap(hosterr.KindValidation, "decode request body", err)
	}
	return nil
}
