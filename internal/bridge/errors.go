package bridge

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ledgerdesk/sessiond/internal/gateway"
	"github.com/ledgerdesk/sessiond/internal/session"
)

// Error is the structured error payload the UI shell receives.
type Error struct {
	Status      int                 `json:"status"`
	Code        string              `json:"code"`
	Kind        string              `json:"kind,omitempty"`
	Message     string              `json:"message"`
	FieldErrors map[string][]string `json:"field_errors,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodePrecondition = "precondition_failed"
	ErrCodeInternal     = "internal_error"
	ErrCodeRetry        = "retry"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeSessionError translates a session or gateway failure into the bridge
// error shape, preserving the failure kind so the UI can pick its recovery:
// validation and auth errors render inline, network errors offer a retry,
// session-expired redirects to login.
func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrPrecondition) {
		writeError(w, http.StatusConflict, ErrCodePrecondition, err.Error())
		return
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		writeError(w, http.StatusUnauthorized, "not_authenticated", "not signed in")
		return
	}
	if errors.Is(err, gateway.ErrTokenRotated) {
		// The token was refreshed under this call; the UI retries.
		writeJSON(w, http.StatusConflict, Error{
			Status:  http.StatusConflict,
			Code:    ErrCodeRetry,
			Message: "credentials rotated, retry the request",
		})
		return
	}

	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		writeInternalError(w, err.Error())
		return
	}

	status := http.StatusBadGateway
	switch gwErr.Kind {
	case gateway.KindValidation:
		status = http.StatusUnprocessableEntity
	case gateway.KindAuth:
		status = http.StatusUnauthorized
	case gateway.KindSessionExpired:
		status = http.StatusUnauthorized
	case gateway.KindNetwork:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, Error{
		Status:      status,
		Code:        gwErr.Code,
		Kind:        gwErr.Kind.String(),
		Message:     gwErr.Message,
		FieldErrors: gwErr.FieldErrors,
	})
}
