// Package errors provides centralized error definitions and classification
// for slidewire. It defines domain-specific error types, sentinel errors,
// constructors with context wrapping, and the recoverable/fatal classifier
// that drives the orchestrator's retry policy.
//
// # Error Types
//
// Domain-specific errors represent failures from specific subsystems:
//   - ProtocolError: a malformed or out-of-contract envelope from a client
//   - ValidationError: input that fails a business rule
//   - SessionError: errors related to session lookup and lifecycle
//   - GatewayError: failures reported by a collaborator behind the gateway
//   - TimeoutError: a time-boxed operation that did not finish
//
// # Classification
//
// Classify maps any error to an Outcome of Recoverable or Fatal. Timeouts,
// collaborator unavailability and gateway errors explicitly marked retryable
// are recoverable; everything else, including unknown error types, is fatal.
// Failing closed on unknown errors is deliberate: retrying a structural bug
// masks it.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Re-export standard library functions so callers can import only this
// package for error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Outcome is the classification of a failure.
type Outcome int

const (
	// OutcomeRecoverable marks a transient failure eligible for bounded retry.
	OutcomeRecoverable Outcome = iota
	// OutcomeFatal marks a failure that terminates the session's workflow.
	OutcomeFatal
)

// String returns the string representation of an outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session id did not resolve.
	ErrSessionNotFound = New("session not found")
	// ErrSessionSuspended indicates that a session exists but has no live channel.
	ErrSessionSuspended = New("session is suspended")
	// ErrSessionTerminal indicates that a session is completed or failed.
	ErrSessionTerminal = New("session is in a terminal phase")
)

// Gateway-related sentinel errors
var (
	// ErrCollaboratorUnavailable indicates a collaborator could not be reached.
	ErrCollaboratorUnavailable = New("collaborator unavailable")
	// ErrContractViolation indicates a collaborator returned a malformed result.
	ErrContractViolation = New("collaborator contract violation")
	// ErrRetriesExhausted indicates the retry budget was spent without success.
	ErrRetriesExhausted = New("retries exhausted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrUnauthorized indicates that credential verification failed.
	ErrUnauthorized = New("unauthorized")
)

// -----------------------------------------------------------------------------
// Wire error codes
// -----------------------------------------------------------------------------

// Stable codes carried by outbound error envelopes.
const (
	CodeProtocolError      = "protocol_error"
	CodeValidationError    = "validation_error"
	CodeUnauthorized       = "unauthorized"
	CodeCollaboratorFailed = "collaborator_failed"
	CodeRetriesExhausted   = "retries_exhausted"
	CodeCanceled           = "canceled"
	CodeInternal           = "internal_error"
)

// Code maps an error to its stable wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrCanceled):
		return CodeCanceled
	case Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case Is(err, ErrRetriesExhausted):
		return CodeRetriesExhausted
	case Is(err, ErrSessionNotFound):
		return CodeProtocolError
	}

	var protoErr *ProtocolError
	if As(err, &protoErr) {
		return CodeProtocolError
	}
	var valErr *ValidationError
	if As(err, &valErr) {
		return CodeValidationError
	}
	var gwErr *GatewayError
	if As(err, &gwErr) {
		return CodeCollaboratorFailed
	}
	var toErr *TimeoutError
	if As(err, &toErr) {
		return CodeCollaboratorFailed
	}
	return CodeInternal
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable returns whether the error represents a transient condition.
func (e *baseError) IsRetryable() bool { return e.retryable }

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ProtocolError represents a malformed or out-of-contract envelope.
// Protocol errors are reported to the client and never mutate session state.
//
// Example:
//
//	err := errors.NewProtocolError("unknown envelope type").WithField("type")
type ProtocolError struct {
	baseError
	Field string
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(message string) *ProtocolError {
	return &ProtocolError{baseError: baseError{message: message}}
}

// WithField records the envelope field that violated the contract.
func (e *ProtocolError) WithField(field string) *ProtocolError {
	e.Field = field
	return e
}

// WithCause adds a cause to the error.
func (e *ProtocolError) WithCause(cause error) *ProtocolError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ProtocolError) Error() string {
	prefix := "protocol error"
	if e.Field != "" {
		prefix = fmt.Sprintf("protocol error [field=%s]", e.Field)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProtocolError) Is(target error) bool {
	if _, ok := target.(*ProtocolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents input that fails a business rule. The
// originating phase is re-entered so the client may resubmit.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{baseError: baseError{message: message}}
}

// WithField adds the offending field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// SessionError represents errors related to session lookup and lifecycle.
type SessionError struct {
	baseError
	SessionID string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{baseError: baseError{message: message, cause: cause}}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	prefix := "session error"
	if e.SessionID != "" {
		prefix = fmt.Sprintf("session error [session=%s]", e.SessionID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GatewayError represents a failure reported by a collaborator behind the
// gateway. Retryable must be set explicitly by the gateway based on the
// failure class; it defaults to false.
//
// Example:
//
//	err := errors.NewGatewayError("analysis call failed", cause).
//		WithCollaborator("director").WithRetryable(true)
type GatewayError struct {
	baseError
	Collaborator string
	Phase        string
	Attempt      int
}

// NewGatewayError creates a new GatewayError.
func NewGatewayError(message string, cause error) *GatewayError {
	return &GatewayError{baseError: baseError{message: message, cause: cause}}
}

// WithCollaborator adds the collaborator name to the error context.
func (e *GatewayError) WithCollaborator(name string) *GatewayError {
	e.Collaborator = name
	return e
}

// WithPhase adds the workflow phase to the error context.
func (e *GatewayError) WithPhase(phase string) *GatewayError {
	e.Phase = phase
	return e
}

// WithAttempt adds the call attempt number to the error context.
func (e *GatewayError) WithAttempt(n int) *GatewayError {
	e.Attempt = n
	return e
}

// WithRetryable marks whether the failure is transient.
func (e *GatewayError) WithRetryable(r bool) *GatewayError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GatewayError) Error() string {
	var parts []string
	if e.Collaborator != "" {
		parts = append(parts, fmt.Sprintf("collaborator=%s", e.Collaborator))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "gateway error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("gateway error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *GatewayError) Is(target error) bool {
	if _, ok := target.(*GatewayError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents a time-boxed operation that did not finish.
// Timeouts are retryable by default.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{message: operation, retryable: true},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// retryable is implemented by error types that carry their own
// transient/permanent marking.
type retryable interface {
	IsRetryable() bool
}

// Classify maps a failure to recoverable or fatal. The recoverable classes
// are: timeouts (TimeoutError, ErrTimeout, context.DeadlineExceeded,
// net.Error timeouts), collaborator unavailability, and gateway errors
// explicitly marked retryable. Contract violations and every unknown error
// class are fatal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeFatal // classifying a nil error is a programming error
	}

	// Contract violations are fatal even when wrapped in a retryable type.
	if Is(err, ErrContractViolation) {
		return OutcomeFatal
	}

	var r retryable
	if As(err, &r) {
		if r.IsRetryable() {
			return OutcomeRecoverable
		}
		return OutcomeFatal
	}

	if Is(err, ErrTimeout) || Is(err, context.DeadlineExceeded) || Is(err, ErrCollaboratorUnavailable) {
		return OutcomeRecoverable
	}

	var netErr net.Error
	if As(err, &netErr) && netErr.Timeout() {
		return OutcomeRecoverable
	}

	return OutcomeFatal
}

// IsRecoverable reports whether Classify considers err transient.
func IsRecoverable(err error) bool {
	return err != nil && Classify(err) == OutcomeRecoverable
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
