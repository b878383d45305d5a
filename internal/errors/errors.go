package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a fieldsync error code.
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"       // 400
	ErrMalformedDelta       ErrorCode = "MALFORMED_DELTA"       // 400
	ErrUnknownField         ErrorCode = "UNKNOWN_FIELD"         // 404
	ErrUnknownDocument      ErrorCode = "UNKNOWN_DOCUMENT"      // 404
	ErrSessionClosed        ErrorCode = "SESSION_CLOSED"        // 410
	ErrFieldLocked          ErrorCode = "FIELD_LOCKED"          // 423
	ErrInternal             ErrorCode = "INTERNAL"              // 500
	ErrTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE" // 503
)

// SyncError represents a structured error with code, status, and details.
type SyncError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *SyncError {
	return &SyncError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewMalformedDelta creates a 400 error for bytes that do not decode as the
// expected delta kind.
func NewMalformedDelta(kind string, err error) *SyncError {
	msg := fmt.Sprintf("malformed %s delta", kind)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &SyncError{
		Code:    ErrMalformedDelta,
		Status:  400,
		Message: msg,
		Details: map[string]any{"kind": kind},
	}
}

// NewUnknownField creates a 404 error for a field outside the document's field set.
func NewUnknownField(field string) *SyncError {
	return &SyncError{
		Code:    ErrUnknownField,
		Status:  404,
		Message: fmt.Sprintf("unknown field: %s", field),
		Details: map[string]any{"field": field},
	}
}

// NewUnknownDocument creates a 404 error for a document with no open room.
func NewUnknownDocument(document string) *SyncError {
	return &SyncError{
		Code:    ErrUnknownDocument,
		Status:  404,
		Message: fmt.Sprintf("no open document: %s", document),
		Details: map[string]any{"document": document},
	}
}

// NewSessionClosed creates a 410 error for operations on a closed session.
func NewSessionClosed() *SyncError {
	return &SyncError{
		Code:    ErrSessionClosed,
		Status:  410,
		Message: "session is closed",
	}
}

// NewFieldLocked creates a 423 error when another replica holds the field.
func NewFieldLocked(field, holder string) *SyncError {
	return &SyncError{
		Code:    ErrFieldLocked,
		Status:  423,
		Message: fmt.Sprintf("field %q is being edited by %s", field, holder),
		Details: map[string]any{"field": field, "holder": holder},
	}
}

// NewTransportUnavailable creates a 503 error for send or dial failures.
func NewTransportUnavailable(err error) *SyncError {
	msg := "transport unavailable"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &SyncError{
		Code:    ErrTransportUnavailable,
		Status:  503,
		Message: msg,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the cause is kept in Details for logging.
func NewInternal(err error) *SyncError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &SyncError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
	}
}

// Is checks if an error is, or wraps, a SyncError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// As returns the SyncError in err's chain, or an internal error wrapping err.
func As(err error) *SyncError {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr
	}
	return NewInternal(err)
}
