package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation failed")
)

// Run-level failures. Anything else is recovered per item.
var (
	ErrNoReferences           = errors.New("no image reference could be resolved")
	ErrAllSubmissionsRejected = errors.New("every sub-batch was rejected")
	ErrPersistence            = errors.New("run state could not be persisted")
	ErrRunCancelled           = errors.New("run cancelled")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ReferenceResolutionError: an identifier could not be mapped to a fetchable URL.
type ReferenceResolutionError struct {
	Identifier string
	Cause      error
}

func (e *ReferenceResolutionError) Error() string {
	return fmt.Sprintf("resolve reference %q: %v", e.Identifier, e.Cause)
}

func (e *ReferenceResolutionError) Unwrap() error { return e.Cause }

// SubmissionError: the provider rejected a sub-batch. Fatal for that sub-batch only.
type SubmissionError struct {
	SubBatch  int
	Retryable bool
	Cause     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit sub-batch %d: %v", e.SubBatch, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// PollingTimeoutError: a job stayed non-terminal past the configured timeout.
type PollingTimeoutError struct {
	Handle  string
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *PollingTimeoutError) Error() string {
	return fmt.Sprintf("job %s still running after %s (timeout %s)", e.Handle, e.Elapsed.Round(time.Second), e.Timeout)
}

// SchemaValidationError: an output payload did not match the expected schema.
type SchemaValidationError struct {
	CorrelationID string
	Cause         error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation for %s: %v", e.CorrelationID, e.Cause)
}

func (e *SchemaValidationError) Unwrap() error { return e.Cause }

// MissingResultError: no usable output was returned for a request.
type MissingResultError struct {
	CorrelationID string
	Reason        string
}

func (e *MissingResultError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("no output for %s", e.CorrelationID)
	}
	return fmt.Sprintf("no output for %s: %s", e.CorrelationID, e.Reason)
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

// ToGRPCStatus maps run-level failures onto gRPC codes for the daemon surface.
func ToGRPCStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunCancelled), errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ErrPersistence):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrNotFound):
		return NotFoundError(err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation), errors.Is(err, ErrNoReferences):
		return InvalidArgumentError(err.Error())
	case errors.Is(err, ErrAllSubmissionsRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return InternalError(err.Error())
	}
}
