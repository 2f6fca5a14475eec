// Package errors provides the typed error taxonomy shared by the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the sync engine should react to it.
type Kind string

const (
	// KindTransient covers timeouts, 5xx responses and connectivity loss.
	// Transient failures are retried with backoff and never surfaced to the
	// caller until the retry budget is exhausted.
	KindTransient Kind = "TRANSIENT"

	// KindConflict marks an optimistic-concurrency conflict (HTTP 409).
	KindConflict Kind = "CONFLICT"

	// KindAuth marks an authorization failure (401/403). Never retried by
	// the worker; the item stays pending until re-authentication.
	KindAuth Kind = "AUTH"

	// KindValidation marks a rejected payload (4xx other than conflict or
	// auth). Terminal immediately; retrying a malformed payload is pointless.
	KindValidation Kind = "VALIDATION"

	// KindStorage marks a local durable-store failure. Fatal for the
	// originating mutation and surfaced synchronously.
	KindStorage Kind = "STORAGE"
)

// Operation represents the type of sync operation during which an error occurred.
type Operation string

const (
	OpEnqueue         Operation = "enqueue"
	OpDequeue         Operation = "dequeue"
	OpDrain           Operation = "drain"
	OpCreate          Operation = "create"
	OpUpdate          Operation = "update"
	OpDelete          Operation = "delete"
	OpGet             Operation = "get"
	OpStore           Operation = "store"
	OpLoad            Operation = "load"
	OpConflictResolve Operation = "conflict_resolve"
	OpTransport       Operation = "transport"
	OpClose           Operation = "close"
)

// SyncError represents an error that occurred during synchronization.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "queue", "transport")
	Component string

	// Kind classifies the failure for retry/terminal decisions
	Kind Kind

	// Whether the operation can be retried
	Retryable bool

	// Underlying error
	Err error
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a new SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewTransient creates a retryable network/transport SyncError.
func NewTransient(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindTransient,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflict creates a version-conflict SyncError.
func NewConflict(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConflict,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewAuth creates an authorization SyncError.
func NewAuth(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindAuth,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidation creates a validation SyncError.
func NewValidation(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewStorage creates a local-storage SyncError.
func NewStorage(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the first SyncError in the chain, or "" if
// the error carries no classification.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
