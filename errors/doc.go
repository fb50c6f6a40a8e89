// Package errors provides standardized error handling patterns for bbdobroker components.
//
// # Overview
//
// The package implements a three-class error classification system: Transient
// (temporary, retryable), Invalid (bad input, non-retryable) and Fatal (unrecoverable).
// The BBDO stack maps its conditions onto these classes:
//
//   - ErrTimeout, ErrNeedMoreData: control-flow signals. Callers retry or idle.
//   - ErrFraming: checksum mismatch. Invalid; the protocol stream resynchronizes.
//   - ErrStreamBroken: lower-layer I/O failure. Transient for the failover layer,
//     fatal for the stream instance that produced it.
//   - ErrNegotiation, ErrInvalidConfig: fatal. Configuration errors stop the broker
//     at startup; negotiation errors close the connection.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// Broken(err, endpoint) tags a lower-layer failure with the endpoint name so the
// log line an operator sees names the connection that failed:
//
//	if _, err := conn.Write(frame); err != nil {
//	    return errors.Broken(err, s.name)
//	}
//
// # Expected Close Errors
//
// IsExpectedClose reports EOF, net.ErrClosed, EPIPE and ECONNRESET. A peer going
// away is logged at info level instead of error level, but still breaks the stream.
package errors
