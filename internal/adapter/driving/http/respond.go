package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/rs/zerolog/log"
)

const (
	CodeInvalidState     = "invalid_state"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeTransientIO      = "transient_io"
	CodeBadRequest       = "bad_request"
	CodeAlreadyExists    = "already_exists"
	CodeInternal         = "internal"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Success bool       `json:"success"`
	Error   *errorBody `json:"error,omitempty"`
	State   any        `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTransientIO):
		return http.StatusServiceUnavailable, CodeTransientIO
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, CodePermissionDenied
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrInvalidPhase), errors.Is(err, domain.ErrProtocol):
		return http.StatusBadRequest, CodeBadRequest
	}
	return http.StatusInternalServerError, CodeInternal
}

func errorMessage(err error) string {
	if errors.Is(err, domain.ErrPermissionDenied) {
		return domain.ErrPermissionDenied.Error()
	}
	return err.Error()
}

// writeError answers with the mapped code. state is attached when the
// operation advanced before failing.
func writeError(w http.ResponseWriter, r *http.Request, err error, state any) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, response{
		Success: false,
		Error:   &errorBody{Code: code, Message: errorMessage(err)},
		State:   state,
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, response{
		Error: &errorBody{Code: CodeBadRequest, Message: msg},
	})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
