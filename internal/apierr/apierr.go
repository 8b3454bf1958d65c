// Package apierr defines the API error model. Every non-2xx response body is
// the same envelope:
//
//	{"error": {"message": "...", "details": {...}}}
//
// Handlers return plain errors; the single Write func maps them to a status
// code and envelope, so status semantics live in one place.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Error is an API-visible error with a fixed HTTP status.
type Error struct {
	Status  int
	Message string
	Details any

	// RetryAfter, when non-zero, is emitted as a Retry-After header and as
	// retryAfterSeconds in the details.
	RetryAfter int
}

func (e *Error) Error() string { return e.Message }

// BadRequest is a malformed request (unparseable body, bad query parameter).
func BadRequest(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: message}
}

// Unauthorized is a missing or invalid credential.
func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: message}
}

// Forbidden is an authenticated caller without the required role.
func Forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Message: message}
}

// NotFound covers both truly absent resources and resources belonging to
// another project, which must be indistinguishable to the caller.
func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Message: message}
}

// Conflict is a state transition the current state does not permit.
func Conflict(message string) *Error {
	return &Error{Status: http.StatusConflict, Message: message}
}

// Unprocessable is a well-formed request that fails validation. Details
// typically maps field names to reasons.
func Unprocessable(message string, details any) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Message: message, Details: details}
}

// TooManyRequests is a quota rejection. retryAfter is in seconds.
func TooManyRequests(message string, retryAfter int) *Error {
	return &Error{Status: http.StatusTooManyRequests, Message: message, RetryAfter: retryAfter}
}

// Unavailable is a transient backend fault worth retrying. Dashboard reads hit
// this when the store is briefly unreachable.
func Unavailable(message string) *Error {
	return &Error{
		Status:  http.StatusServiceUnavailable,
		Message: message,
		Details: map[string]bool{"retryable": true},
	}
}

// Internal is an unexpected server fault. The message is generic on purpose;
// the cause belongs in the log, not the response.
func Internal() *Error {
	return &Error{Status: http.StatusInternalServerError, Message: "internal error"}
}

type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Write maps err to a status and writes the error envelope. Unknown error
// types become 500 with a generic message.
func Write(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Internal()
	}

	details := ae.Details
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
		if details == nil {
			details = map[string]int{"retryAfterSeconds": ae.RetryAfter}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: body{Message: ae.Message, Details: details}})
}
