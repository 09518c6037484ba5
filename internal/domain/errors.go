package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrTokenNotFound is returned when a token record is not found
	ErrTokenNotFound = errors.New("token not found")

	// ErrMigrationStateNotFound is returned when a migration has never been started
	ErrMigrationStateNotFound = errors.New("migration state not found")
)

// ErrorCode identifies a ledger failure mode
type ErrorCode string

const (
	// Validation
	ErrCodeInvalidFormat           ErrorCode = "INVALID_FORMAT"
	ErrCodeInvalidLength           ErrorCode = "INVALID_LENGTH"
	ErrCodeMissingMetadata         ErrorCode = "MISSING_METADATA"
	ErrCodeInvariantViolation      ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeInvalidStatusTransition ErrorCode = "INVALID_STATUS_TRANSITION"
	ErrCodeInsufficientBalance     ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeNotFound                ErrorCode = "NOT_FOUND"

	// Idempotency
	ErrCodeDuplicateTransactionID ErrorCode = "DUPLICATE_TRANSACTION_ID"
	ErrCodeDuplicateOperation     ErrorCode = "DUPLICATE_OPERATION"
	ErrCodeDoubleIssuance         ErrorCode = "DOUBLE_ISSUANCE"

	// Concurrency
	ErrCodeConcurrentOperation ErrorCode = "CONCURRENT_OPERATION"

	// Consistency
	ErrCodeHighSeverityDiscrepancies ErrorCode = "HIGH_SEVERITY_DISCREPANCIES"

	// Critical
	ErrCodeCriticalPartialFailure ErrorCode = "CRITICAL_PARTIAL_FAILURE"

	// External collaborator
	ErrCodeMintUnavailable ErrorCode = "MINT_UNAVAILABLE"
	ErrCodeMintTimeout     ErrorCode = "MINT_TIMEOUT"
	ErrCodePaymentFailed   ErrorCode = "PAYMENT_FAILED"

	// Migration
	ErrCodeMigrationAlreadyRunning   ErrorCode = "MIGRATION_ALREADY_RUNNING"
	ErrCodeMigrationAlreadyCompleted ErrorCode = "MIGRATION_ALREADY_COMPLETED"
	ErrCodeMigrationNotCompleted     ErrorCode = "MIGRATION_NOT_COMPLETED"
	ErrCodeMigrationFailed           ErrorCode = "MIGRATION_FAILED"
)

// ErrorCategory groups error codes by how callers should react
type ErrorCategory string

const (
	ErrorCategoryValidation  ErrorCategory = "validation"
	ErrorCategoryIdempotency ErrorCategory = "idempotency"
	ErrorCategoryConcurrency ErrorCategory = "concurrency"
	ErrorCategoryConsistency ErrorCategory = "consistency"
	ErrorCategoryCritical    ErrorCategory = "critical"
	ErrorCategoryExternal    ErrorCategory = "external"
	ErrorCategoryMigration   ErrorCategory = "migration"
)

// Category returns the category of the code
func (c ErrorCode) Category() ErrorCategory {
	switch c {
	case ErrCodeDuplicateTransactionID, ErrCodeDuplicateOperation, ErrCodeDoubleIssuance:
		return ErrorCategoryIdempotency
	case ErrCodeConcurrentOperation:
		return ErrorCategoryConcurrency
	case ErrCodeHighSeverityDiscrepancies:
		return ErrorCategoryConsistency
	case ErrCodeCriticalPartialFailure:
		return ErrorCategoryCritical
	case ErrCodeMintUnavailable, ErrCodeMintTimeout, ErrCodePaymentFailed:
		return ErrorCategoryExternal
	case ErrCodeMigrationAlreadyRunning, ErrCodeMigrationAlreadyCompleted,
		ErrCodeMigrationNotCompleted, ErrCodeMigrationFailed:
		return ErrorCategoryMigration
	default:
		return ErrorCategoryValidation
	}
}

// Retryable reports whether a caller may retry the same request after re-reading state.
// Critical partial failures are never retryable: a retry could pay twice.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeConcurrentOperation, ErrCodeMintUnavailable:
		return true
	}
	return false
}

// Sentinels for errors.Is matching by code
var (
	ErrInvalidFormat             = &LedgerError{Code: ErrCodeInvalidFormat}
	ErrInvalidLength             = &LedgerError{Code: ErrCodeInvalidLength}
	ErrMissingMetadata           = &LedgerError{Code: ErrCodeMissingMetadata}
	ErrInvariantViolation        = &LedgerError{Code: ErrCodeInvariantViolation}
	ErrInvalidStatusTransition   = &LedgerError{Code: ErrCodeInvalidStatusTransition}
	ErrInsufficientBalance       = &LedgerError{Code: ErrCodeInsufficientBalance}
	ErrNotFound                  = &LedgerError{Code: ErrCodeNotFound}
	ErrDuplicateTransactionID    = &LedgerError{Code: ErrCodeDuplicateTransactionID}
	ErrDuplicateOperation        = &LedgerError{Code: ErrCodeDuplicateOperation}
	ErrDoubleIssuance            = &LedgerError{Code: ErrCodeDoubleIssuance}
	ErrConcurrentOperation       = &LedgerError{Code: ErrCodeConcurrentOperation}
	ErrHighSeverityDiscrepancies = &LedgerError{Code: ErrCodeHighSeverityDiscrepancies}
	ErrCriticalPartialFailure    = &LedgerError{Code: ErrCodeCriticalPartialFailure}
	ErrMintUnavailable           = &LedgerError{Code: ErrCodeMintUnavailable}
	ErrMintTimeout               = &LedgerError{Code: ErrCodeMintTimeout}
	ErrPaymentFailed             = &LedgerError{Code: ErrCodePaymentFailed}
	ErrMigrationAlreadyRunning   = &LedgerError{Code: ErrCodeMigrationAlreadyRunning}
	ErrMigrationAlreadyCompleted = &LedgerError{Code: ErrCodeMigrationAlreadyCompleted}
	ErrMigrationNotCompleted     = &LedgerError{Code: ErrCodeMigrationNotCompleted}
	ErrMigrationFailed           = &LedgerError{Code: ErrCodeMigrationFailed}
)

// LedgerError is the typed error returned by ledger operations
type LedgerError struct {
	Code    ErrorCode
	Message string
	// Details carries identifiers needed for support follow-up (transaction_id, quote_id, ...)
	Details map[string]string
	// RequiresManualIntervention is set when the ledger cannot know the outcome at the mint
	RequiresManualIntervention bool
	Err                        error
}

// NewError creates a ledger error with the given code and message
func NewError(code ErrorCode, message string) *LedgerError {
	return &LedgerError{Code: code, Message: message}
}

// Errorf creates a ledger error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *LedgerError {
	return &LedgerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a ledger error wrapping a cause
func WrapError(code ErrorCode, message string, err error) *LedgerError {
	return &LedgerError{Code: code, Message: message, Err: err}
}

// WithDetail returns the error with an additional detail set
func (e *LedgerError) WithDetail(key, value string) *LedgerError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithManualIntervention flags the error as needing an operator
func (e *LedgerError) WithManualIntervention() *LedgerError {
	e.RequiresManualIntervention = true
	return e
}

func (e *LedgerError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Details[k])
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is matches ledger errors by code
func (e *LedgerError) Is(target error) bool {
	var t *LedgerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the ledger error code of err, or an empty code
func CodeOf(err error) ErrorCode {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsRetryable reports whether err is a ledger error callers may retry
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// RequiresManualIntervention reports whether err must be escalated to an operator
func RequiresManualIntervention(err error) bool {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.RequiresManualIntervention || le.Code == ErrCodeCriticalPartialFailure
	}
	return false
}
