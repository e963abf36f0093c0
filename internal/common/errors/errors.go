// Package errors provides standardized error handling for the endorsement
// bidding engine and its BPMN workflow integration.
package errors

import (
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Bid validation errors are rejected synchronously with no side effects.
const (
	ErrCodeBidBelowMinimum  ErrorCode = "BID_BELOW_MINIMUM"
	ErrCodeBidNotIncreasing ErrorCode = "BID_NOT_INCREASING"
	ErrCodeInvalidBidInput  ErrorCode = "INVALID_BID_INPUT"
)

// Resource errors are rejected synchronously before any reservation.
const (
	ErrCodeInsufficientAllowance ErrorCode = "INSUFFICIENT_ALLOWANCE"
	ErrCodeInsufficientBalance   ErrorCode = "INSUFFICIENT_BALANCE"
)

// External-system errors are retried per the commit policy, then surfaced.
const (
	ErrCodeLedgerTimeout     ErrorCode = "LEDGER_TIMEOUT"
	ErrCodeLedgerRejected    ErrorCode = "LEDGER_REJECTED"
	ErrCodeLedgerUnavailable ErrorCode = "LEDGER_UNAVAILABLE"
)

// State errors are rejected without retry; the outcome is already settled or settling.
const (
	ErrCodeApplicationClosed   ErrorCode = "APPLICATION_CLOSED"
	ErrCodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeAlreadySettled      ErrorCode = "ALREADY_SETTLED"
)

// Infrastructure errors.
const (
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout             ErrorCode = "QUERY_TIMEOUT"
	ErrCodeEventPublishFailed       ErrorCode = "EVENT_PUBLISH_FAILED"
	ErrCodeReputationLookupFailed   ErrorCode = "REPUTATION_LOOKUP_FAILED"

	// ErrCodeInvariantViolation marks broken engine guarantees (slot
	// overflow, settle without marker). Loud and non-retryable.
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
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
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// CodeOf extracts the engine error code from err, or empty when err is not
// a StandardError.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := err.(*StandardError); ok {
		return stdErr.Code
	}
	return ""
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}

	if e.ErrorVariables != nil {
		for k, v := range e.ErrorVariables {
			vars[k] = v
		}
	}

	return vars
}

// ConvertToBPMNError maps a StandardError onto a BPMN-throwable error.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   GetRetryCount(stdErr.Code),
		ErrorVariables: map[string]interface{}{
			"errorCategory": GetErrorCategory(stdErr.Code),
		},
	}
}

// GetRetryCount returns how many workflow-level retries a code deserves.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeLedgerTimeout,
		ErrCodeLedgerUnavailable,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeQueryTimeout,
		ErrCodeEventPublishFailed,
		ErrCodeReputationLookupFailed:
		return 3
	default:
		return 0
	}
}

// GetErrorCategory buckets codes per the engine's error taxonomy.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeBidBelowMinimum, ErrCodeBidNotIncreasing, ErrCodeInvalidBidInput:
		return "validation"
	case ErrCodeInsufficientAllowance, ErrCodeInsufficientBalance:
		return "resource"
	case ErrCodeLedgerTimeout, ErrCodeLedgerRejected, ErrCodeLedgerUnavailable:
		return "external"
	case ErrCodeApplicationClosed, ErrCodeApplicationNotFound, ErrCodeAlreadySettled:
		return "state"
	case ErrCodeInvariantViolation:
		return "invariant"
	default:
		return "infrastructure"
	}
}

// ==========================
// 3. Error Constructors
// ==========================

// NewBidBelowMinimumError creates a non-retryable validation error. The
// minimum is carried in metadata so the caller can show "minimum bid is X".
func NewBidBelowMinimumError(amount, minimum int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeBidBelowMinimum,
		Message:   "Bid amount is below the application minimum",
		Details:   fmt.Sprintf("amount: %d, minimum: %d", amount, minimum),
		Retryable: false,
		Metadata:  map[string]interface{}{"minimumBid": minimum},
		Timestamp: time.Now().UTC(),
	}
}

// NewBidNotIncreasingError creates a non-retryable resubmission error.
func NewBidNotIncreasingError(amount, current int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeBidNotIncreasing,
		Message:   "Resubmitted bid must exceed the expert's current bid",
		Details:   fmt.Sprintf("amount: %d, currentBid: %d", amount, current),
		Retryable: false,
		Metadata:  map[string]interface{}{"currentBid": current},
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidBidInputError creates a non-retryable input validation error.
func NewInvalidBidInputError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidBidInput,
		Message:   "Bid submission payload is invalid",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInsufficientAllowanceError creates a non-retryable resource error.
// The expert must perform the external authorization step and resubmit.
func NewInsufficientAllowanceError(required, authorized int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeInsufficientAllowance,
		Message:   "Expert has not authorized enough stake for this bid",
		Details:   fmt.Sprintf("required: %d, authorized: %d", required, authorized),
		Retryable: false,
		Metadata:  map[string]interface{}{"requiredAllowance": required},
		Timestamp: time.Now().UTC(),
	}
}

// NewInsufficientBalanceError creates a non-retryable resource error.
func NewInsufficientBalanceError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInsufficientBalance,
		Message:   "Expert balance cannot cover the bid amount",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerTimeoutError creates a retryable ledger timeout error. Raised only
// after the commit state machine has exhausted its own retry budget.
func NewLedgerTimeoutError(correlationID string, attempts int) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerTimeout,
		Message:   "Stake ledger confirmation did not arrive in time",
		Details:   fmt.Sprintf("correlationId: %s, attempts: %d", correlationID, attempts),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerRejectedError creates a non-retryable ledger rejection error.
func NewLedgerRejectedError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerRejected,
		Message:   "Stake ledger rejected the reservation",
		Details:   reason,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerUnavailableError creates a retryable error for ledger queries
// that failed before any funds were at stake.
func NewLedgerUnavailableError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerUnavailable,
		Message:   "Stake ledger is unavailable",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewApplicationClosedError creates a non-retryable state error.
func NewApplicationClosedError(applicationID, status string) *StandardError {
	return &StandardError{
		Code:      ErrCodeApplicationClosed,
		Message:   "Application is no longer open for endorsement",
		Details:   fmt.Sprintf("applicationId: %s, status: %s", applicationID, status),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewApplicationNotFoundError creates a non-retryable state error.
func NewApplicationNotFoundError(applicationID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeApplicationNotFound,
		Message:   "Application not found",
		Details:   fmt.Sprintf("applicationId: %s", applicationID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlreadySettledError creates a non-retryable state error used when a
// duplicate outcome event arrives after settlement completed.
func NewAlreadySettledError(applicationID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadySettled,
		Message:   "Application has already been settled",
		Details:   fmt.Sprintf("applicationId: %s", applicationID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryTimeoutError creates a retryable query timeout error.
func NewQueryTimeoutError(operation string) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryTimeout,
		Message:   "Database query timeout",
		Details:   fmt.Sprintf("operation: %s", operation),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventPublishFailedError creates a retryable event publication error.
func NewEventPublishFailedError(eventType string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEventPublishFailed,
		Message:   "Failed to publish engine event",
		Details:   fmt.Sprintf("eventType: %s, error: %s", eventType, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewReputationLookupFailedError creates a retryable reputation lookup error.
func NewReputationLookupFailedError(expertID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeReputationLookupFailed,
		Message:   "Failed to read expert reputation",
		Details:   fmt.Sprintf("expertId: %s, error: %s", expertID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvariantViolationError creates a loud, non-retryable error for broken
// engine guarantees. These indicate a bug upstream, never user input.
func NewInvariantViolationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvariantViolation,
		Message:   "Engine invariant violated",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}
