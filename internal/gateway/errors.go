package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure for recovery decisions.
type Kind int

const (
	// KindServer is an unclassified backend failure (5xx, unexpected 4xx).
	KindServer Kind = iota

	// KindValidation is a structured field-level rejection. Recoverable by
	// correcting the offending fields and retrying.
	KindValidation

	// KindAuth is a credential or verification-code rejection. Recoverable
	// by retrying in place.
	KindAuth

	// KindSessionExpired means the access token is invalid and the refresh
	// failed. Not locally recoverable; forces logout.
	KindSessionExpired

	// KindNetwork means no response arrived at all. Recoverable by retry;
	// never forces logout and never triggers the refresh path.
	KindNetwork
)

// String returns the kind's wire name, used in bridge error payloads.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindSessionExpired:
		return "session_expired"
	case KindNetwork:
		return "network"
	default:
		return "server"
	}
}

// Error is the typed failure every gateway call can return.
type Error struct {
	Kind        Kind
	Status      int
	Code        string
	Message     string
	FieldErrors map[string][]string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway: %s (%s, status %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Kind)
}

// ErrTokenRotated is returned for a call that failed with 401 after which the
// single-flight refresh succeeded. The gateway does not replay the original
// call; the caller retries explicitly with the rotated token.
var ErrTokenRotated = errors.New("access token rotated; retry the request")

// IsKind reports whether err is a gateway Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == kind
}

// errorBody is the backend's structured error envelope. The errors field is
// decoded leniently because some endpoints send map[string]string and others
// map[string][]string.
type errorBody struct {
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Errors  json.RawMessage `json:"errors"`
}

// classify turns a non-2xx response into a typed Error. If the body doesn't
// parse as the structured envelope, a generic error is synthesised from the
// status line.
func classify(status int, body []byte, authenticated bool) *Error {
	gwErr := &Error{
		Status:  status,
		Code:    "http_error",
		Message: fmt.Sprintf("%d %s", status, http.StatusText(status)),
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			gwErr.Message = parsed.Message
		}
		if parsed.Code != "" {
			gwErr.Code = parsed.Code
		}
		gwErr.FieldErrors = decodeFieldErrors(parsed.Errors)
	}

	switch {
	case len(gwErr.FieldErrors) > 0:
		gwErr.Kind = KindValidation
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		gwErr.Kind = KindValidation
	case status == http.StatusUnauthorized && !authenticated:
		// 401 from login/verify/refresh is a credential rejection, not a
		// stale token.
		gwErr.Kind = KindAuth
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		gwErr.Kind = KindAuth
	default:
		gwErr.Kind = KindServer
	}

	return gwErr
}

// decodeFieldErrors accepts either {"field": ["msg"]} or {"field": "msg"}.
func decodeFieldErrors(raw json.RawMessage) map[string][]string {
	if len(raw) == 0 {
		return nil
	}

	var multi map[string][]string
	if err := json.Unmarshal(raw, &multi); err == nil && len(multi) > 0 {
		return multi
	}

	var single map[string]string
	if err := json.Unmarshal(raw, &single); err == nil && len(single) > 0 {
		result := make(map[string][]string, len(single))
		for field, msg := range single {
			result[field] = []string{msg}
		}
		return result
	}

	return nil
}

// networkError wraps a transport-level failure (no response at all).
func networkError(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Code:    "network_error",
		Message: err.Error(),
	}
}
