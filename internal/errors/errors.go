package errors

import "fmt"

// ErrorCode represents a keydeck error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"      // 400
	ErrInvalidWindow       ErrorCode = "INVALID_WINDOW"       // 400
	ErrEmptyIncludeSet     ErrorCode = "EMPTY_INCLUDE_SET"    // 400
	ErrUnknownConnection   ErrorCode = "UNKNOWN_CONNECTION"   // 404
	ErrUnknownNamespace    ErrorCode = "UNKNOWN_NAMESPACE"    // 404
	ErrNotFound            ErrorCode = "NOT_FOUND"            // 404
	ErrDestinationConflict ErrorCode = "DESTINATION_CONFLICT" // 409
	ErrInvalidJobState     ErrorCode = "INVALID_JOB_STATE"    // 409
	ErrSourceUnavailable   ErrorCode = "SOURCE_UNAVAILABLE"   // 502
	ErrStorageFailure      ErrorCode = "STORAGE_FAILURE"      // 500
	ErrCancelled           ErrorCode = "CANCELLED"            // 499
	ErrInternal            ErrorCode = "INTERNAL"             // 500
)

// KeydeckError represents a structured error with code, status, and details.
type KeydeckError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *KeydeckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidWindow creates a 400 error for a time window where from >= to.
func NewInvalidWindow(fromNs, toNs int64) *KeydeckError {
	return &KeydeckError{
		Code:    ErrInvalidWindow,
		Status:  400,
		Message: "window must satisfy from < to",
		Details: map[string]any{"from_ns": fromNs, "to_ns": toNs},
	}
}

// NewEmptyIncludeSet creates a 400 error for a request with no artifact kinds.
func NewEmptyIncludeSet() *KeydeckError {
	return &KeydeckError{
		Code:    ErrEmptyIncludeSet,
		Status:  400,
		Message: "includes must name at least one artifact kind",
	}
}

// NewUnknownConnection creates a 404 error for an unresolvable connection ID.
func NewUnknownConnection(id string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrUnknownConnection,
		Status:  404,
		Message: fmt.Sprintf("unknown connection: %s", id),
		Details: map[string]any{"connection_id": id},
	}
}

// NewUnknownNamespace creates a 404 error for an unresolvable namespace ID.
func NewUnknownNamespace(id string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrUnknownNamespace,
		Status:  404,
		Message: fmt.Sprintf("unknown namespace: %s", id),
		Details: map[string]any{"namespace_id": id},
	}
}

// NewNotFound creates a 404 error for a missing job or bundle.
func NewNotFound(kind, id string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]any{"id": id},
	}
}

// NewDestinationConflict creates a 409 error when a destination path is
// already claimed by a queued or running export job.
func NewDestinationConflict(path, jobID string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrDestinationConflict,
		Status:  409,
		Message: fmt.Sprintf("destination already claimed by job %s: %s", jobID, path),
		Details: map[string]any{"destination": path, "job_id": jobID},
	}
}

// NewInvalidJobState creates a 409 error for an illegal job transition.
func NewInvalidJobState(jobID, status, op string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrInvalidJobState,
		Status:  409,
		Message: fmt.Sprintf("cannot %s job %s in status %s", op, jobID, status),
		Details: map[string]any{"job_id": jobID, "status": status},
	}
}

// NewSourceUnavailable creates a 502 error for a telemetry adapter failure.
func NewSourceUnavailable(kind string, err error) *KeydeckError {
	return &KeydeckError{
		Code:    ErrSourceUnavailable,
		Status:  502,
		Message: fmt.Sprintf("telemetry source %s unavailable: %v", kind, err),
		Details: map[string]any{"kind": kind},
	}
}

// NewStorageFailure creates a 500 error for a job/bundle store failure.
func NewStorageFailure(err error) *KeydeckError {
	return &KeydeckError{
		Code:    ErrStorageFailure,
		Status:  500,
		Message: fmt.Sprintf("storage failure: %v", err),
	}
}

// NewCancelled creates a 499 error for a cooperatively cancelled operation.
func NewCancelled(op string) *KeydeckError {
	return &KeydeckError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *KeydeckError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &KeydeckError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a KeydeckError with the given code.
func Is(err error, code ErrorCode) bool {
	if kErr, ok := err.(*KeydeckError); ok {
		return kErr.Code == code
	}
	return false
}
