package main

import (
	"errors"
	"fmt"
	"net/http"
)

// --- Relay Error Taxonomy ---

// RelayError is a terminal failure for a single job. Code is stable and
// machine-readable; Message is safe to show to callers.
type RelayError struct {
	Code    string
	Message string
	Status  int
}

func (e *RelayError) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches on Code so a RelayError carrying a worker-specific message still
// matches its taxonomy sentinel.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes surfaced to callers.
const (
	CodeNoWorker           = "no_extension_connected"
	CodeWorkerBusy         = "worker_busy"
	CodeQueueFull          = "queue_full"
	CodeSendFailed         = "send_failed"
	CodeTimeout            = "timeout"
	CodeWorkerError        = "worker_error"
	CodeWorkerDisconnected = "worker_disconnected"
	CodeInvalidRequest     = "invalid_request"
	CodeRateLimited        = "rate_limited"
)

var (
	ErrNoWorker = &RelayError{
		Code:    CodeNoWorker,
		Message: "no browser extension is connected",
		Status:  http.StatusServiceUnavailable,
	}
	ErrWorkerBusy = &RelayError{
		Code:    CodeWorkerBusy,
		Message: "the worker is busy and the admission policy is drop",
		Status:  http.StatusTooManyRequests,
	}
	ErrQueueFull = &RelayError{
		Code:    CodeQueueFull,
		Message: "the request queue is full",
		Status:  http.StatusTooManyRequests,
	}
	ErrSendFailed = &RelayError{
		Code:    CodeSendFailed,
		Message: "the job could not be sent to the worker",
		Status:  http.StatusInternalServerError,
	}
	ErrTimeout = &RelayError{
		Code:    CodeTimeout,
		Message: "the worker did not answer in time",
		Status:  http.StatusGatewayTimeout,
	}
	ErrWorkerError = &RelayError{
		Code:    CodeWorkerError,
		Message: "the worker reported an error",
		Status:  http.StatusInternalServerError,
	}
	ErrWorkerDisconnected = &RelayError{
		Code:    CodeWorkerDisconnected,
		Message: "the worker disconnected before answering",
		Status:  http.StatusInternalServerError,
	}
)

// workerReportedError carries the worker's own message verbatim.
func workerReportedError(msg string) *RelayError {
	if msg == "" {
		msg = ErrWorkerError.Message
	}
	return &RelayError{Code: CodeWorkerError, Message: msg, Status: http.StatusInternalServerError}
}

func invalidRequest(format string, args ...any) *RelayError {
	return &RelayError{
		Code:    CodeInvalidRequest,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusBadRequest,
	}
}

// asRelayError maps any error onto the taxonomy. Unknown errors become a
// generic processing failure so no internal detail leaks to callers.
func asRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return &RelayError{
		Code:    CodeSendFailed,
		Message: "the job could not be processed",
		Status:  http.StatusInternalServerError,
	}
}
