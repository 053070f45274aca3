// Package errors provides the error model shared by every call-agent package.
//
// # Classification
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, drop it) and Fatal (stop processing). Classification works on
// ClassifiedError values produced by WrapTransient, WrapInvalid and WrapFatal,
// on the typed taxonomy errors below, and on the standard sentinels.
//
// # Dispatch taxonomy
//
//   - ConnectionError: broker or relay host unreachable, identity rejected.
//     Transient; the transport reconnects on its own and reports state changes.
//   - PublishError: a send failed. Returned to the caller, never retried here.
//   - MalformedEventError: a payload failed decoding, normalization or schema
//     validation. Logged and dropped by the reconciler.
//   - UnknownIDUpdateError: a partial update named an order that is not in the
//     registry. Logged as a diagnostic; nothing is mutated.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: cause":
//
//	if err := conn.Publish(topic, data); err != nil {
//	    return errors.Wrap(err, "Client", "Publish", "send message")
//	}
//
// Callers inspect with the standard library:
//
//	var pe *errors.PublishError
//	if stderrors.As(err, &pe) {
//	    // surface "dispatch failed, retry" for pe.Topic
//	}
package errors
