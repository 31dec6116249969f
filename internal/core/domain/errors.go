// Package domain defines the core value types and errors shared by the
// simctl control loop.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DomainError represents a control loop error with a structured error code.
//
// Codes have the form SIM-<AREA>-<NNNN>. The area determines the failure
// class (see Class).
type DomainError struct {
	Code    string // Error code (e.g., "SIM-CONF-4000")
	Message string // Human-readable message, prefixed with the component name
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Failure classes
// ============================================================================

// FailureClass groups error codes by how the runner reacts to them.
type FailureClass string

const (
	ClassNone            FailureClass = ""
	ClassConfiguration   FailureClass = "configuration"
	ClassCollective      FailureClass = "collective"
	ClassCheckpointWrite FailureClass = "checkpoint_write"
	ClassHook            FailureClass = "hook"
	ClassTransientRead   FailureClass = "transient_read"
)

// Class returns the failure class of err, or ClassNone for errors that are
// not domain errors.
func Class(err error) FailureClass {
	code := GetErrorCode(err)
	switch {
	case strings.HasPrefix(code, "SIM-CONF-"):
		return ClassConfiguration
	case strings.HasPrefix(code, "SIM-COLL-"):
		return ClassCollective
	case strings.HasPrefix(code, "SIM-CKPT-"):
		return ClassCheckpointWrite
	case strings.HasPrefix(code, "SIM-HOOK-"):
		return ClassHook
	case strings.HasPrefix(code, "SIM-READ-"):
		return ClassTransientRead
	default:
		return ClassNone
	}
}

// IsFatal reports whether err must abort the run.
//
// Transient read warnings are the only recoverable class. Errors that are not
// domain errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return Class(err) != ClassTransientRead
}

// ============================================================================
// Configuration Errors (CONF)
// ============================================================================

var (
	// ErrInvalidPeriodSpec indicates a checkpoint period could not be parsed.
	ErrInvalidPeriodSpec = NewDomainError("SIM-CONF-4000", "period: invalid period specification")

	// ErrInvalidRestartStep indicates the requested restart step is unusable.
	ErrInvalidRestartStep = NewDomainError("SIM-CONF-4001", "driver: invalid restart step")

	// ErrInvalidConfig indicates a configuration value failed validation.
	ErrInvalidConfig = NewDomainError("SIM-CONF-4002", "config: invalid configuration")

	// ErrRestartNotFound indicates a restart was required but no checkpoint exists.
	ErrRestartNotFound = NewDomainError("SIM-CONF-4040", "driver: no checkpoint available for restart")
)

// ============================================================================
// Collective Errors (COLL)
// ============================================================================

var (
	// ErrCollectiveFailure indicates a reduction or barrier failed.
	ErrCollectiveFailure = NewDomainError("SIM-COLL-5000", "cluster: collective operation failed")

	// ErrFleetMismatch indicates ranks disagree about fleet membership.
	ErrFleetMismatch = NewDomainError("SIM-COLL-5001", "cluster: fleet membership mismatch")

	// ErrMalformedReduction indicates a reduction contribution had the wrong shape.
	ErrMalformedReduction = NewDomainError("SIM-COLL-5002", "consensus: malformed reduction")
)

// ============================================================================
// Checkpoint Write Errors (CKPT)
// ============================================================================

var (
	// ErrCheckpointWrite indicates a checkpoint payload could not be written.
	ErrCheckpointWrite = NewDomainError("SIM-CKPT-5000", "driver: checkpoint write failed")

	// ErrLogWrite indicates the checkpoint master log could not be appended.
	ErrLogWrite = NewDomainError("SIM-CKPT-5001", "masterlog: write failed")

	// ErrCheckpointDir indicates the checkpoint directory could not be created.
	ErrCheckpointDir = NewDomainError("SIM-CKPT-5002", "driver: cannot create checkpoint directory")

	// ErrPayloadCorrupt indicates a stored checkpoint payload failed verification.
	ErrPayloadCorrupt = NewDomainError("SIM-CKPT-5003", "statestore: checkpoint payload corrupt")
)

// ============================================================================
// Hook Errors (HOOK)
// ============================================================================

var (
	// ErrInitFailed indicates the engine initialization hook failed.
	ErrInitFailed = NewDomainError("SIM-HOOK-5000", "driver: initialization failed")

	// ErrFillFailed indicates populating the initial state failed.
	ErrFillFailed = NewDomainError("SIM-HOOK-5001", "driver: fill failed")

	// ErrAdvanceFailed indicates a compute step failed.
	ErrAdvanceFailed = NewDomainError("SIM-HOOK-5002", "driver: advance failed")

	// ErrQuiesceFailed indicates outstanding asynchronous work failed.
	ErrQuiesceFailed = NewDomainError("SIM-HOOK-5003", "executor: asynchronous task failed")

	// ErrRestoreFailed indicates restoring plugin state failed.
	ErrRestoreFailed = NewDomainError("SIM-HOOK-5004", "driver: restore failed")

	// ErrNotifyFailed indicates a plugin failed to handle a step notification.
	ErrNotifyFailed = NewDomainError("SIM-HOOK-5005", "plugin: notify failed")
)

// ============================================================================
// Transient Read Warnings (READ)
// ============================================================================

var (
	// ErrMalformedLogLine indicates a master log line could not be parsed.
	ErrMalformedLogLine = NewDomainError("SIM-READ-2000", "masterlog: malformed line skipped")
)
