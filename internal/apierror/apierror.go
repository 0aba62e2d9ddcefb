// Package apierror defines the module host's uniform error taxonomy
// (spec.md §7 "Error handling design") and its HTTP status mapping.
//
// Grounded on kazuph-wallfacer's internal/handler, which returns
// hand-rolled {"error": "..."} JSON bodies with ad-hoc status codes
// scattered across handler methods; here those are collapsed into one
// typed Kind plus a single status-mapping function so every endpoint in
// internal/apihttp reports errors the same way.
package apierror

import "net/http"

// Kind enumerates the host's error categories. A Kind is part of the
// wire contract: clients branch on it, not on the message text.
type Kind string

const (
	BadRequest       Kind = "BAD_REQUEST"
	CapacityExceeded Kind = "CAPACITY_EXCEEDED"
	NotFound         Kind = "NOT_FOUND"
	Internal         Kind = "INTERNAL"
	TaskFailed       Kind = "TASK_FAILED"
	TaskCancelled    Kind = "TASK_CANCELLED"
)

// Error is the host's uniform error type: a Kind plus a human-readable
// Message. Per spec.md §7 none of BAD_REQUEST/CAPACITY_EXCEEDED/NOT_FOUND/
// INTERNAL carry structured data on the wire — only TASK_FAILED does (via
// the /state response's errorData, assembled directly in
// internal/apihttp/state.go from the worker's persisted payload, not
// through this type).
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs an *Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// StatusCode maps a Kind to the HTTP status internal/apihttp should send.
// TaskFailed and TaskCancelled are reported via /state bodies, not as
// HTTP failures, so they map to 200 — the task endpoint succeeded
// in answering, even though the task itself did not succeed.
func (k Kind) StatusCode() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case CapacityExceeded:
		return http.StatusServiceUnavailable
	case NotFound:
		return http.StatusNotFound
	case TaskFailed, TaskCancelled:
		return http.StatusOK
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
