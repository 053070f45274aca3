package errors

import (
	"fmt"
)

// ConnectionError reports that the transport could not reach the broker or
// relay host, or that the identity was rejected. It never ends the process;
// the transport keeps reconnecting and reports state transitions.
type ConnectionError struct {
	Endpoint string
	Identity string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s as %q: %v", e.Endpoint, e.Identity, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrorClass implements classification; connection problems are transient.
func (e *ConnectionError) ErrorClass() ErrorClass { return ErrorTransient }

// PublishError reports a failed send. It is returned to the caller and is
// never retried automatically.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ErrorClass implements classification.
func (e *PublishError) ErrorClass() ErrorClass { return ErrorTransient }

// MalformedEventError reports a payload that failed decoding, normalization
// or schema validation. The event is dropped.
type MalformedEventError struct {
	Topic  string
	Kind   string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s event on %s: %s: %v", e.Kind, e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s event on %s: %s", e.Kind, e.Topic, e.Reason)
}

func (e *MalformedEventError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidData
	}
	return e.Err
}

// ErrorClass implements classification.
func (e *MalformedEventError) ErrorClass() ErrorClass { return ErrorInvalid }

// UnknownIDUpdateError reports a partial update for an order the registry
// does not hold. No state is mutated.
type UnknownIDUpdateError struct {
	Topic   string
	Kind    string
	OrderID int64
}

func (e *UnknownIDUpdateError) Error() string {
	return fmt.Sprintf("%s event on %s for unknown order %d", e.Kind, e.Topic, e.OrderID)
}

func (e *UnknownIDUpdateError) Unwrap() error { return ErrUnknownOrder }

// ErrorClass implements classification.
func (e *UnknownIDUpdateError) ErrorClass() ErrorClass { return ErrorInvalid }
