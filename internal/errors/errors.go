// Package errors provides structured error types for the tidelake engine.
// All errors include a category, code, message, and retryable flag so the
// CLI and daemon can report machine-readable error kinds consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by engine component.
type ErrorCategory string

const (
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryCommit   ErrorCategory = "COMMIT"
	ErrCategoryLog      ErrorCategory = "LOG"
	ErrCategorySnapshot ErrorCategory = "SNAPSHOT"
	ErrCategoryVacuum   ErrorCategory = "VACUUM"
	ErrCategoryStats    ErrorCategory = "STATS"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryQuery    ErrorCategory = "QUERY"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes. The first block is the engine's contract with callers: these
// are the kinds the CLI prints to stderr and automation matches on.
const (
	// Contract kinds
	CodeSchemaViolation        = "SCHEMA_VIOLATION"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION_CONFLICT"
	CodeCorruptLogEntry        = "CORRUPT_LOG_ENTRY"
	CodeVersionExpired         = "VERSION_EXPIRED"
	CodeVacuumSafetyViolation  = "VACUUM_SAFETY_VIOLATION"
	CodeStatsFailure           = "STATS_COMPUTATION_FAILURE"

	// Lookup codes
	CodeTableNotFound   = "TABLE_NOT_FOUND"
	CodeTableExists     = "TABLE_EXISTS"
	CodeVersionNotFound = "VERSION_NOT_FOUND"

	// Query codes
	CodeInvalidPredicate = "INVALID_PREDICATE"

	// Storage codes
	CodeStorageFailure = "STORAGE_FAILURE"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// LakeError is the structured error type used throughout the engine.
type LakeError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *LakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *LakeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *LakeError) Is(target error) bool {
	var t *LakeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new LakeError.
func New(category ErrorCategory, code, message string) *LakeError {
	return &LakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new LakeError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *LakeError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new LakeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *LakeError {
	return &LakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *LakeError) WithDetails(details map[string]interface{}) *LakeError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a LakeError.
func GetCategory(err error) ErrorCategory {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain. Returns empty string
// if the error is not a LakeError; callers printing error kinds fall back to
// UNEXPECTED.
func GetCode(err error) string {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Conflicts are
// retryable by contract: the caller may rebuild its write against the new
// latest version. Corrupt log entries are never retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case code == CodeConcurrentModification:
		return true
	case code == CodeStorageFailure:
		return true
	default:
		return false
	}
}

// Convenience constructors for the contract kinds.

func NewSchemaViolation(message string) *LakeError {
	return New(ErrCategorySchema, CodeSchemaViolation, message)
}

func NewConflict(message string) *LakeError {
	return New(ErrCategoryCommit, CodeConcurrentModification, message)
}

func NewCorruptLogEntry(message string, cause error) *LakeError {
	return Wrap(ErrCategoryLog, CodeCorruptLogEntry, message, cause)
}

func NewVersionExpired(message string) *LakeError {
	return New(ErrCategorySnapshot, CodeVersionExpired, message)
}

func NewVacuumSafetyViolation(message string) *LakeError {
	return New(ErrCategoryVacuum, CodeVacuumSafetyViolation, message)
}

func NewStatsFailure(message string, cause error) *LakeError {
	return Wrap(ErrCategoryStats, CodeStatsFailure, message, cause)
}

func NewStorageError(message string, cause error) *LakeError {
	return Wrap(ErrCategoryStorage, CodeStorageFailure, message, cause)
}

func NewInternalError(message string, cause error) *LakeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
