package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/paddock/pkg/errdefs"
)

type errorBody struct {
	Code    errdefs.Code   `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an error onto the wire envelope. Coded errors keep
// their message and details; anything uncoded is hidden behind a
// generic 500 and logged in full.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: errdefs.CodeInternal, Message: "internal error"}
	var e *errdefs.Error
	if errors.As(err, &e) {
		body.Code = e.Code
		body.Message = e.Message
		body.Details = e.Details
	}
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

// decodeJSON fills dst from the request body, mapping malformed input to
// INVALID_ARGUMENT. Callers with optional bodies should check
// ContentLength first.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errdefs.Invalidf("invalid request body: %v", err)
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "true", "1", "yes":
		return true
	}
	return false
}
