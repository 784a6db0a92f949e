package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeConcurrency   ErrorType = "concurrency"
)

// Sentinel causes. Match them with errors.Is through a StructuredError.
var (
	ErrWriterBusy      = stderrors.New("writer already held")
	ErrWriterReleased  = stderrors.New("writer session released")
	ErrClosed          = stderrors.New("relation index closed")
	ErrChannelMismatch = stderrors.New("channel mismatch")
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context.
// Callers must not pass a nil err where the result is returned as an error
// interface; Wrap(nil, ...) yields a typed nil.
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewStorageError creates a storage error
func NewStorageError(operation, message string) *StructuredError {
	return New(ErrorTypeStorage, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// NewConcurrencyError creates a concurrency error
func NewConcurrencyError(operation, message string) *StructuredError {
	return New(ErrorTypeConcurrency, operation, message)
}

// WrapValidationError wraps an error as a validation error
func WrapValidationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeValidation, operation, message)
}

// WrapStorageError wraps an error as a storage error
func WrapStorageError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeStorage, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}

// WrapConcurrencyError wraps an error as a concurrency error
func WrapConcurrencyError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConcurrency, operation, message)
}

// TypeOf returns the type of the outermost StructuredError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type, true
	}
	return "", false
}

func isType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}

// IsValidation reports whether err was classified as a validation error.
func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }

// IsStorage reports whether err was classified as a storage error.
func IsStorage(err error) bool { return isType(err, ErrorTypeStorage) }

// IsConfiguration reports whether err was classified as a configuration error.
func IsConfiguration(err error) bool { return isType(err, ErrorTypeConfiguration) }

// IsConcurrency reports whether err was classified as a concurrency error.
func IsConcurrency(err error) bool { return isType(err, ErrorTypeConcurrency) }

// ToGRPCStatus converts a classified error to a gRPC status error with an
// appropriate code. Unclassified context errors keep their own codes.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	t, ok := TypeOf(err)
	if !ok {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return status.Error(codes.DeadlineExceeded, err.Error())
		case stderrors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	switch t {
	case ErrorTypeValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case ErrorTypeConfiguration:
		return status.Error(codes.FailedPrecondition, err.Error())
	case ErrorTypeStorage:
		return status.Error(codes.Unavailable, err.Error())
	case ErrorTypeConcurrency:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
