// Package errors provides standardized error handling for session tracking
// and cross-client reconciliation.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeAlreadyActive    ErrorCode = "SESSION_ALREADY_ACTIVE"
	ErrCodeSyncUnreachable  ErrorCode = "SYNC_UNREACHABLE"

	ErrCodeStoreIOFailed    ErrorCode = "STORE_IO_FAILED"
	ErrCodeCorruptedRecord  ErrorCode = "CORRUPTED_RECORD"
	ErrCodeInvalidReason    ErrorCode = "INVALID_DELETE_REASON"
	ErrCodeInvalidEnvelope  ErrorCode = "INVALID_ENVELOPE"
	ErrCodeChannelTimeout   ErrorCode = "CHANNEL_TIMEOUT"
	ErrCodeDatabaseFailed   ErrorCode = "DATABASE_QUERY_FAILED"
	ErrCodeUpsertFailed     ErrorCode = "DATABASE_UPSERT_FAILED"
	ErrCodeNotifyFailed     ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeInvalidTimerMode ErrorCode = "INVALID_TIMER_MODE"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewValidationError creates a non-retryable session validation error.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Session data validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionNotFoundError creates a non-retryable not-found error. Callers
// at the coordinator level treat this as a benign race, not a fault.
func NewSessionNotFoundError(sessionID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionNotFound,
		Message:   "Session not found",
		Details:   fmt.Sprintf("sessionId: %s", sessionID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPermissionError creates a non-retryable permission error for deleting
// an active session without an elevated reason.
func NewPermissionError(sessionID, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodePermissionDenied,
		Message:   "Active sessions require the admin_cleanup reason",
		Details:   fmt.Sprintf("sessionId: %s, reason: %s", sessionID, reason),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlreadyActiveError signals a duplicate start. The coordinator converts
// it to idempotent success; it is never surfaced to end users as a failure.
func NewAlreadyActiveError(userID, sessionID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadyActive,
		Message:   "User already has an active session",
		Details:   fmt.Sprintf("userId: %s, sessionId: %s", userID, sessionID),
		Retryable: false,
		Metadata:  map[string]interface{}{"sessionId": sessionID},
		Timestamp: time.Now().UTC(),
	}
}

// NewSyncUnreachableError creates a retryable error for an unreachable
// remote side during reconciliation. It causes a deferred retry, not data
// loss.
func NewSyncUnreachableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSyncUnreachable,
		Message:   "Remote side unreachable during reconciliation",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreIOError creates a retryable persistence error.
func NewStoreIOError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreIOFailed,
		Message:   "Session store I/O failed",
		Details:   fmt.Sprintf("op: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidReasonError creates a non-retryable error for a delete reason
// outside the closed enumeration.
func NewInvalidReasonError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidReason,
		Message:   "Unrecognized delete reason",
		Details:   fmt.Sprintf("reason: %s", reason),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidEnvelopeError creates a non-retryable channel decode error.
func NewInvalidEnvelopeError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidEnvelope,
		Message:   "Malformed message envelope",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewChannelTimeoutError creates a retryable transport timeout error.
func NewChannelTimeoutError(op string) *StandardError {
	return &StandardError{
		Code:      ErrCodeChannelTimeout,
		Message:   "Message channel operation timed out",
		Details:   fmt.Sprintf("op: %s", op),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseError creates a retryable cloud store query error.
func NewDatabaseError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseFailed,
		Message:   "Cloud store query failed",
		Details:   fmt.Sprintf("op: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewUpsertFailedError creates a retryable cloud store write error.
func NewUpsertFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeUpsertFailed,
		Message:   "Cloud store upsert failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotifyFailedError creates a retryable notification delivery error.
func NewNotifyFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotifyFailed,
		Message:   "Conflict notification delivery failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTimerModeError creates a non-retryable timer selector error.
func NewInvalidTimerModeError(mode string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTimerMode,
		Message:   "Unknown timer migration flag",
		Details:   fmt.Sprintf("mode: %s", mode),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Predicates
// ==========================

func codeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

// IsNotFound reports whether err is a benign session-not-found error.
func IsNotFound(err error) bool {
	return codeOf(err) == ErrCodeSessionNotFound
}

// IsAlreadyActive reports whether err signals a duplicate start request.
func IsAlreadyActive(err error) bool {
	return codeOf(err) == ErrCodeAlreadyActive
}

// IsPermissionDenied reports whether err is a delete-permission failure.
func IsPermissionDenied(err error) bool {
	return codeOf(err) == ErrCodePermissionDenied
}

// IsValidation reports whether err rejected malformed input. A delete
// reason outside the closed enumeration is malformed input too.
func IsValidation(err error) bool {
	code := codeOf(err)
	return code == ErrCodeValidationFailed || code == ErrCodeInvalidReason
}

// IsSyncUnreachable reports whether the remote side was unavailable.
func IsSyncUnreachable(err error) bool {
	return codeOf(err) == ErrCodeSyncUnreachable
}

// IsRetryable reports whether the error is worth a later retry.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}
