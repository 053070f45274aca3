package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{name: "nil"},
		{name: "connection timeout", err: ErrConnectionTimeout, transient: true},
		{name: "wrapped connection lost", err: fmt.Errorf("relay: %w", ErrConnectionLost), transient: true},
		{name: "not connected", err: ErrNotConnected, transient: true},
		{name: "circuit open", err: ErrCircuitOpen, transient: true},
		{name: "relay timeout", err: ErrRelayRequestTimeout, transient: true},
		{name: "deadline", err: context.DeadlineExceeded, transient: true},
		{name: "canceled", err: context.Canceled, transient: true},
		{name: "invalid config", err: ErrInvalidConfig, fatal: true},
		{name: "missing config", err: ErrMissingConfig, fatal: true},
		{name: "invalid data", err: ErrInvalidData, invalid: true},
		{name: "schema mismatch", err: ErrSchemaMismatch, invalid: true},
		{name: "unknown topic", err: ErrUnknownTopic, invalid: true},
		{name: "unclassified text", err: errors.New("operation timeout occurred")},
		{name: "explicit class beats sentinel", err: WrapFatal(ErrNotConnected, "c", "m", "a"), fatal: true},
		{name: "connection error", err: &ConnectionError{Endpoint: "nats://x", Err: errors.New("refused")}, transient: true},
		{name: "publish error", err: &PublishError{Topic: "t", Err: ErrNotConnected}, transient: true},
		{name: "malformed event", err: &MalformedEventError{Topic: "t", Kind: "order-added", Reason: "bad json"}, invalid: true},
		{name: "unknown id update", err: &UnknownIDUpdateError{Topic: "t", Kind: "k", OrderID: 9}, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.invalid, IsInvalid(tt.err), "IsInvalid")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(errors.New("anything")))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(fmt.Errorf("outer: %w", &MalformedEventError{Reason: "x"})))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))

	err := Wrap(errors.New("original error"), "Registry", "Upsert", "merge patch")
	assert.EqualError(t, err, "Registry.Upsert: merge patch failed: original error")
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("original error")
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
		{"WrapFatal", WrapFatal, ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "session", "Start", "connect")

			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "session", ce.Component)
			assert.Equal(t, "Start", ce.Operation)
			assert.EqualError(t, err, "session.Start: connect failed: original error")
			assert.ErrorIs(t, err, base)
		})
	}
}

func TestClassifiedError_FallsBackToCause(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorInvalid, Err: errors.New("base error")}
	assert.Equal(t, "base error", ce.Error())
}

func TestTaxonomy_Unwrap(t *testing.T) {
	assert.ErrorIs(t, &UnknownIDUpdateError{OrderID: 999}, ErrUnknownOrder)
	assert.ErrorIs(t, &MalformedEventError{Reason: "empty"}, ErrInvalidData)
	assert.ErrorIs(t, &PublishError{Topic: "x", Err: ErrNotConnected}, ErrNotConnected)

	var pe *PublishError
	wrapped := fmt.Errorf("dispatch: %w", &PublishError{Topic: "agent/7/dispatch", Err: ErrNotConnected})
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, "agent/7/dispatch", pe.Topic)
}
