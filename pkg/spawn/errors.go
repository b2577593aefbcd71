package spawn

import (
	"errors"
	"fmt"
)

// ErrorCategory categorizes errors for handling and reporting.
type ErrorCategory string

const (
	// ErrCategoryAuth indicates a credential was absent or rejected.
	ErrCategoryAuth ErrorCategory = "auth"
	// ErrCategoryRegistration indicates the provider rejected the SSH key.
	ErrCategoryRegistration ErrorCategory = "registration"
	// ErrCategoryTimeout indicates an instance never reached its target
	// status within the attempt budget.
	ErrCategoryTimeout ErrorCategory = "timeout"
	// ErrCategoryConnectivity indicates SSH reachability was never established.
	ErrCategoryConnectivity ErrorCategory = "connectivity"
	// ErrCategoryExecution indicates a remote command exited non-zero.
	ErrCategoryExecution ErrorCategory = "execution"
	// ErrCategoryValidation indicates invalid input or configuration.
	ErrCategoryValidation ErrorCategory = "validation"
	// ErrCategoryNotFound indicates an unknown agent, cloud or record.
	ErrCategoryNotFound ErrorCategory = "not_found"
	// ErrCategoryNotImplemented indicates a backend lacks an operation.
	ErrCategoryNotImplemented ErrorCategory = "not_implemented"
	// ErrCategoryDownload indicates fetching an installer or image failed.
	ErrCategoryDownload ErrorCategory = "download"
	// ErrCategoryInternal indicates an internal error.
	ErrCategoryInternal ErrorCategory = "internal"
)

// Error is a structured error with category and context.
type Error struct {
	// Category classifies the error type.
	Category ErrorCategory

	// Message is a human-readable error message.
	Message string

	// Provider is the backend where the error occurred.
	Provider CloudProvider

	// Operation is the step that failed.
	Operation string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates whether the operation can be retried.
	Retryable bool

	// Details contains additional error context.
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Provider != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Provider, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error's category.
func (e *Error) Is(target error) bool {
	var se *Error
	if errors.As(target, &se) {
		return e.Category == se.Category
	}
	return false
}

// NewError creates a new Error.
func NewError(category ErrorCategory, message string) *Error {
	return &Error{
		Category: category,
		Message:  message,
		Details:  make(map[string]interface{}),
	}
}

// WithProvider sets the provider.
func (e *Error) WithProvider(p CloudProvider) *Error {
	e.Provider = p
	return e
}

// WithOperation sets the operation.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ErrAuth creates an authentication error.
func ErrAuth(message string) *Error {
	return NewError(ErrCategoryAuth, message)
}

// ErrRegistration creates an SSH key registration error.
func ErrRegistration(message string) *Error {
	return NewError(ErrCategoryRegistration, message)
}

// ErrTimeout creates a provisioning timeout error.
func ErrTimeout(message string) *Error {
	return NewError(ErrCategoryTimeout, message).WithRetryable(true)
}

// ErrConnectivity creates a connectivity error.
func ErrConnectivity(message string) *Error {
	return NewError(ErrCategoryConnectivity, message).WithRetryable(true)
}

// ErrExecution creates an execution error.
func ErrExecution(message string) *Error {
	return NewError(ErrCategoryExecution, message)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return NewError(ErrCategoryValidation, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resourceType, resourceID string) *Error {
	return NewError(ErrCategoryNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceID)).
		WithDetail("resource_type", resourceType).
		WithDetail("resource_id", resourceID)
}

// ErrNotImplemented creates a not implemented error.
func ErrNotImplemented(message string) *Error {
	return NewError(ErrCategoryNotImplemented, message)
}

// ErrDownload creates a download error.
func ErrDownload(message string) *Error {
	return NewError(ErrCategoryDownload, message)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *Error {
	return NewError(ErrCategoryInternal, message)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetErrorProvider extracts the provider from an error.
func GetErrorProvider(err error) CloudProvider {
	var se *Error
	if errors.As(err, &se) {
		return se.Provider
	}
	return ""
}

// ErrorCode is the machine-readable failure code of the headless result.
type ErrorCode string

const (
	CodeUnknownAgent       ErrorCode = "UNKNOWN_AGENT"
	CodeUnknownCloud       ErrorCode = "UNKNOWN_CLOUD"
	CodeNotImplemented     ErrorCode = "NOT_IMPLEMENTED"
	CodeMissingCredentials ErrorCode = "MISSING_CREDENTIALS"
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeDownloadError      ErrorCode = "DOWNLOAD_ERROR"
	CodeExecutionError     ErrorCode = "EXECUTION_ERROR"
)

// Exit codes of the headless contract.
const (
	ExitSuccess    = 0
	ExitExecution  = 1
	ExitDownload   = 2
	ExitValidation = 3
)

// ExitCode maps an error code to the process exit status.
func (c ErrorCode) ExitCode() int {
	switch c {
	case "":
		return ExitSuccess
	case CodeUnknownAgent, CodeUnknownCloud, CodeNotImplemented, CodeMissingCredentials, CodeInvalidRequest:
		return ExitValidation
	case CodeDownloadError:
		return ExitDownload
	default:
		return ExitExecution
	}
}

// CodeFor classifies err into a headless error code. A nil error maps to
// the empty code.
func CodeFor(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *Error
	if !errors.As(err, &se) {
		return CodeExecutionError
	}
	switch se.Category {
	case ErrCategoryAuth:
		return CodeMissingCredentials
	case ErrCategoryNotImplemented:
		return CodeNotImplemented
	case ErrCategoryValidation:
		return CodeInvalidRequest
	case ErrCategoryDownload:
		return CodeDownloadError
	case ErrCategoryNotFound:
		if rt, _ := se.Details["resource_type"].(string); rt == "agent" {
			return CodeUnknownAgent
		}
		return CodeUnknownCloud
	default:
		return CodeExecutionError
	}
}
