package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass is one of the canonical failure categories.
type ErrorClass string

const (
	// ErrorClassClassification means the request could not be classified.
	ErrorClassClassification ErrorClass = "classification_error"

	// ErrorClassValidation means a request, segment, or envelope was structurally invalid.
	ErrorClassValidation ErrorClass = "validation_error"

	// ErrorClassRouting means no safe route could be established.
	ErrorClassRouting ErrorClass = "routing_error"

	// ErrorClassTargetUnavailable means the target is ineligible or its circuit is open.
	ErrorClassTargetUnavailable ErrorClass = "target_unavailable"

	// ErrorClassTimeout means a bounded wall-clock budget was exceeded.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassOverloadRejected means admission was refused under load.
	ErrorClassOverloadRejected ErrorClass = "overload_rejected"

	// ErrorClassInternal is the catch-all class.
	ErrorClassInternal ErrorClass = "internal_error"
)

// Known reports whether c is one of the canonical classes.
func (c ErrorClass) Known() bool {
	switch c {
	case ErrorClassClassification, ErrorClassValidation, ErrorClassRouting,
		ErrorClassTargetUnavailable, ErrorClassTimeout, ErrorClassOverloadRejected,
		ErrorClassInternal:
		return true
	}
	return false
}

// Permanent reports whether errors of this class must never be retried.
func (c ErrorClass) Permanent() bool {
	switch c {
	case ErrorClassValidation, ErrorClassRouting, ErrorClassClassification:
		return true
	}
	return false
}

// NormalizeClass maps a downstream class string onto the canonical set.
// The second return value is the original string when it was not canonical.
func NormalizeClass(raw string) (ErrorClass, string) {
	c := ErrorClass(raw)
	if c.Known() {
		return c, ""
	}
	return ErrorClassInternal, raw
}

// DispatchError is the canonical error carried on segment results, lifecycle
// records, and HTTP error bodies.
type DispatchError struct {
	// Class is the canonical error class.
	Class ErrorClass `json:"error_class"`

	// Message is the technical description.
	Message string `json:"error_message"`

	// Retryable is the downstream hint; permanent classes ignore it.
	Retryable bool `json:"retryable,omitempty"`

	// OriginalClass keeps an unrecognized downstream class for diagnostics only.
	OriginalClass string `json:"original_class,omitempty"`

	// Target names the dispatch target involved, if any.
	Target string `json:"target,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s (%s): %s", e.Class, e.Target, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error {
	return e.cause
}

// ShouldRetry reports whether the executor may try again.
func (e *DispatchError) ShouldRetry() bool {
	if e.Class.Permanent() {
		return false
	}
	switch e.Class {
	case ErrorClassTargetUnavailable:
		return false
	case ErrorClassOverloadRejected:
		return true
	}
	return e.Retryable
}

// HTTPStatusCode returns the HTTP status used when the error is surfaced over HTTP.
func (e *DispatchError) HTTPStatusCode() int {
	switch e.Class {
	case ErrorClassValidation, ErrorClassClassification:
		return http.StatusBadRequest
	case ErrorClassRouting:
		return http.StatusUnprocessableEntity
	case ErrorClassTargetUnavailable:
		return http.StatusServiceUnavailable
	case ErrorClassTimeout:
		return http.StatusGatewayTimeout
	case ErrorClassOverloadRejected:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// HumanMessage renders text suitable for a person on an interactive channel.
func (e *DispatchError) HumanMessage() string {
	switch e.Class {
	case ErrorClassClassification:
		return "I couldn't work out what to do with that message. Try rephrasing it."
	case ErrorClassValidation:
		return "That request was missing something I need. Check it and send it again."
	case ErrorClassRouting:
		return "I couldn't find a service able to handle that request."
	case ErrorClassTargetUnavailable:
		if e.Target != "" {
			return fmt.Sprintf("The %s service is unavailable right now. Try again in a few minutes.", e.Target)
		}
		return "A required service is unavailable right now. Try again in a few minutes."
	case ErrorClassTimeout:
		return "That took too long to process. Try again shortly."
	case ErrorClassOverloadRejected:
		return "I'm handling too many requests at the moment. Try again shortly."
	default:
		return "Something went wrong on my side while handling that request."
	}
}

// NewDispatchError creates a new canonical error.
func NewDispatchError(class ErrorClass, message string) *DispatchError {
	return &DispatchError{Class: class, Message: message}
}

// WithTarget sets the target name.
func (e *DispatchError) WithTarget(target string) *DispatchError {
	e.Target = target
	return e
}

// WithRetryable sets the downstream retry hint.
func (e *DispatchError) WithRetryable(retryable bool) *DispatchError {
	e.Retryable = retryable
	return e
}

// WithCause attaches an underlying error.
func (e *DispatchError) WithCause(err error) *DispatchError {
	e.cause = err
	return e
}

// FromDownstream builds an error from a target's response envelope, normalizing
// unknown classes to internal_error.
func FromDownstream(rawClass, message string, retryable bool) *DispatchError {
	class, original := NormalizeClass(rawClass)
	return &DispatchError{
		Class:         class,
		Message:       message,
		Retryable:     retryable,
		OriginalClass: original,
	}
}

// Common error constructors.

func ErrValidation(format string, args ...any) *DispatchError {
	return NewDispatchError(ErrorClassValidation, fmt.Sprintf(format, args...))
}

func ErrTargetUnavailable(target, reason string) *DispatchError {
	return NewDispatchError(ErrorClassTargetUnavailable, reason).WithTarget(target)
}

func ErrTimeout(format string, args ...any) *DispatchError {
	return NewDispatchError(ErrorClassTimeout, fmt.Sprintf(format, args...))
}

func ErrOverloaded(message string) *DispatchError {
	return NewDispatchError(ErrorClassOverloadRejected, message)
}

func ErrInternal(err error) *DispatchError {
	return NewDispatchError(ErrorClassInternal, err.Error()).WithCause(err)
}

// AsDispatchError converts any error into a DispatchError. Errors that are not
// already canonical become internal_error.
func AsDispatchError(err error) *DispatchError {
	if err == nil {
		return nil
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	return ErrInternal(err)
}
