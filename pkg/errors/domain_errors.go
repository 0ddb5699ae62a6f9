package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in the application
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "instance", "session", "job")
	Domain() string

	// Code returns a stable error code
	Code() string

	// Retryable indicates if the operation can be retried
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Message() string          { return e.message }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// Is matches another BaseError by code, and by domain when the target sets one.
// This lets callers write errors.Is(err, ErrNotFound) against any wrapped error.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok {
		return false
	}
	if t.code != e.code {
		return false
	}
	return t.domain == "" || t.domain == e.domain
}

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error with key added to its metadata
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		newMeta[k] = v
	}
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Standardized Error Codes
const (
	// Lifecycle taxonomy
	ErrCodeValidation    = "validation_error"
	ErrCodeNotFound      = "not_found"
	ErrCodeProvider      = "provider_error"
	ErrCodeBootstrap     = "bootstrap_failed"
	ErrCodeConnectivity  = "connectivity_error"
	ErrCodeBinding       = "binding_error"
	ErrCodeSessionClosed = "session_closed"
	ErrCodeUnauthorized  = "unauthorized"

	// Infrastructure Errors
	ErrCodeSSHConnection = "ssh_connection"
	ErrCodeSSHCommand    = "ssh_command_failed"
	ErrCodeFileTransfer  = "file_transfer_failed"
	ErrCodeRegistry      = "registry_error"
	ErrCodeNetworkError  = "network_error"

	// System Errors
	ErrCodeDatabase      = "database_error"
	ErrCodeConfiguration = "config_error"
	ErrCodeInternal      = "internal_error"
)

// Domain Constants
const (
	DomainInstance       = "instance"
	DomainProvider       = "provider"
	DomainBootstrap      = "bootstrap"
	DomainSession        = "session"
	DomainIdentity       = "identity"
	DomainJob            = "job"
	DomainInfrastructure = "infrastructure"
	DomainDatabase       = "database"
	DomainSystem         = "system"
)

// Sentinels for errors.Is. They carry no domain so they match the code in any domain.
var (
	ErrValidation    = &BaseError{code: ErrCodeValidation, message: "validation failed"}
	ErrNotFound      = &BaseError{code: ErrCodeNotFound, message: "not found"}
	ErrProvider      = &BaseError{code: ErrCodeProvider, message: "provider failure"}
	ErrBootstrap     = &BaseError{code: ErrCodeBootstrap, message: "bootstrap failed"}
	ErrConnectivity  = &BaseError{code: ErrCodeConnectivity, message: "instance unreachable"}
	ErrBinding       = &BaseError{code: ErrCodeBinding, message: "identity binding mismatch"}
	ErrSessionClosed = &BaseError{code: ErrCodeSessionClosed, message: "session closed"}
	ErrUnauthorized  = &BaseError{code: ErrCodeUnauthorized, message: "unauthorized"}
)

// Taxonomy constructors

// NewValidationError reports malformed input
func NewValidationError(domain, message string, cause error) DomainError {
	return NewBaseError(domain, ErrCodeValidation, message, false, cause, nil)
}

// NewNotFoundError reports that an operation needed something that does not exist
func NewNotFoundError(domain, message string) DomainError {
	return NewBaseError(domain, ErrCodeNotFound, message, false, nil, nil)
}

// NewProviderError reports a failure returned by a backend API
func NewProviderError(message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainProvider, ErrCodeProvider, message, retryable, cause, nil)
}

// NewBootstrapError reports that remote automation failed after the backend created the instance
func NewBootstrapError(message string, cause error) DomainError {
	return NewBaseError(DomainBootstrap, ErrCodeBootstrap, message, false, cause, nil)
}

// NewConnectivityError reports an instance that never became reachable
func NewConnectivityError(message string, cause error) DomainError {
	return NewBaseError(DomainInstance, ErrCodeConnectivity, message, true, cause, nil)
}

// NewBindingError reports a registry that still disagrees after one correction
func NewBindingError(message string, cause error) DomainError {
	return NewBaseError(DomainIdentity, ErrCodeBinding, message, false, cause, nil)
}

// NewSessionClosedError reports use of a disposed remote session
func NewSessionClosedError(message string) DomainError {
	return NewBaseError(DomainSession, ErrCodeSessionClosed, message, false, nil, nil)
}

// NewAuthorizationError reports a job id that does not belong to the requester
func NewAuthorizationError(message string) DomainError {
	return NewBaseError(DomainJob, ErrCodeUnauthorized, message, false, nil, nil)
}

// Domain-specific error constructors

// NewInfrastructureError creates a standardized infrastructure error
func NewInfrastructureError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainInfrastructure, code, message, retryable, cause, nil)
}

// NewDatabaseError creates a standardized database error
func NewDatabaseError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainDatabase, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// Helper functions for error checking

// AsDomainError finds the first DomainError in the chain
func AsDomainError(err error) (DomainError, bool) {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if domainErr, ok := AsDomainError(err); ok {
		return domainErr.Retryable()
	}
	return false
}

// GetErrorCode returns the error code if it's a DomainError, otherwise returns "unknown"
func GetErrorCode(err error) string {
	if domainErr, ok := err.(DomainError); ok {
		return domainErr.Code()
	}
	return "unknown"
}

// IsErrorCode checks if any error in the chain has the specified code
func IsErrorCode(err error, code string) bool {
	for err != nil {
		if GetErrorCode(err) == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
