package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dialcore/dialcore/internal/session"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeSessionError maps the session layer's error taxonomy onto HTTP
// status codes: bad input is the client's fault, illegal transitions are
// conflicts, engine trouble is a gateway problem.
func writeSessionError(w http.ResponseWriter, err error) {
	var (
		validation *session.ValidationError
		state      *session.InvalidStateError
		active     *session.AlreadyActiveError
		timeout    *session.TimeoutError
		engine     *session.EngineError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &state), errors.As(err, &active):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &engine):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
