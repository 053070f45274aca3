// Package errors provides error classification, the sentinel errors shared
// by the call-agent packages, the dispatch error taxonomy and the helpers
// that wrap errors with component context.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass tells a caller what to do with an error: retry it, report it
// to whoever sent the input, or stop.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota
	ErrorInvalid
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Lifecycle
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrShuttingDown   = errors.New("shutting down")
)

// Transport
var (
	ErrNotConnected        = errors.New("not connected")
	ErrConnectionLost      = errors.New("connection lost")
	ErrConnectionTimeout   = errors.New("connection timeout")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrRelayRequestTimeout = errors.New("relay request timeout")
)

// Events
var (
	ErrInvalidData    = errors.New("invalid data format")
	ErrParsingFailed  = errors.New("parsing failed")
	ErrSchemaMismatch = errors.New("payload does not match schema")
	ErrUnknownOrder   = errors.New("unknown order id")
	ErrUnknownTopic   = errors.New("unknown topic")
)

// Configuration
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// sentinelClasses classifies bare sentinels that reach Classify without a
// ClassifiedError around them. Order matters only for errors that wrap
// several sentinels; the first match wins.
var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrNotConnected, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{ErrRelayRequestTimeout, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{context.Canceled, ErrorTransient},
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrInvalidData, ErrorInvalid},
	{ErrParsingFailed, ErrorInvalid},
	{ErrSchemaMismatch, ErrorInvalid},
	{ErrUnknownOrder, ErrorInvalid},
	{ErrUnknownTopic, ErrorInvalid},
}

// ClassifiedError carries an explicit class and where it was raised.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classifier is implemented by the taxonomy types in dispatch.go.
type classifier interface {
	ErrorClass() ErrorClass
}

// classOf looks for an explicit class first, then a known sentinel.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorClass(), true
	}
	for _, s := range sentinelClasses {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return 0, false
}

func is(err error, class ErrorClass) bool {
	if err == nil {
		return false
	}
	got, ok := classOf(err)
	return ok && got == class
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return is(err, ErrorTransient) }

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool { return is(err, ErrorInvalid) }

// IsFatal reports whether err should stop the caller.
func IsFatal(err error) bool { return is(err, ErrorFatal) }

// Classify returns the class of err. Unclassified errors, and nil, count as
// transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if class, ok := classOf(err); ok {
		return class
	}
	return ErrorTransient
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ErrorTransient, err, component, method, action)
}

func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ErrorInvalid, err, component, method, action)
}

func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ErrorFatal, err, component, method, action)
}
