// Package reactorerr provides the structured error type used across the
// circuit reactor: every failure that crosses a package boundary inside
// the reactor carries a closed Kind and a RetryHint so callers (and the
// reactor itself, deciding whether to tear down a leg or the whole
// tunnel) can dispatch on it without string-matching.
package reactorerr

import "fmt"

// Kind is a closed set of reactor error categories.
type Kind string

const (
	// KindProtocolViolation covers malformed cells, unexpected meta
	// cells, stream ID misuse, SENDME tag mismatches, and window
	// underruns. Effect: tear down the leg (or, in a multi-leg tunnel,
	// only the offending leg).
	KindProtocolViolation Kind = "protocol_violation"
	// KindCryptoFailure covers handshake authentication failures.
	// Effect: tear down the leg; fail the outstanding extend.
	KindCryptoFailure Kind = "crypto_failure"
	// KindResourceExhaustion covers memory-account overruns and channel
	// backpressure stalls. Effect: close the offending stream, or the
	// leg if the resource is leg-global.
	KindResourceExhaustion Kind = "resource_exhaustion"
	// KindClockSkew covers a peer-claimed validity window incompatible
	// with the local clock. Effect: report; caller decides.
	KindClockSkew Kind = "clock_skew"
	// KindRemoteClose covers a peer-issued DESTROY or END. Effect: clean
	// teardown of the affected scope.
	KindRemoteClose Kind = "remote_close"
	// KindTimeout covers handshake or half-stream deadlines. Effect:
	// cancel and report.
	KindTimeout Kind = "timeout"
	// KindInternalBug covers assertion-level conditions that should
	// never happen; reported with a distinguishing kind to aid
	// debugging rather than folded into protocol violation.
	KindInternalBug Kind = "internal_bug"
)

// RetryHint tells the caller (typically the directory manager, for
// bridge descriptors) whether retrying the operation that produced this
// error is worthwhile.
type RetryHint string

const (
	RetryImmediate    RetryHint = "immediate"
	RetryAfterWaiting RetryHint = "after_waiting"
	RetryNever        RetryHint = "never"
)

// Error is the reactor's structured error type: a dispatchable Kind, a
// RetryHint, the scope the error applies to, and an optional underlying
// cause. Is() matches on category, and on scope only when the target
// sets one, so callers can test for "any timeout" without caring about
// scope or message.
type Error struct {
	Kind    Kind
	Retry   RetryHint
	Scope   string // "stream", "leg", "tunnel" — where the error applies
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Scope, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Scope, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is compares Kind, and Scope when the target sets one; message and
// cause are ignored, so errors.Is(err, reactorerr.Sentinel(KindTimeout))
// matches any timeout regardless of scope/message/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Scope != "" && t.Scope != e.Scope {
		return false
	}
	return true
}

// Sentinel builds a bare *Error usable only as an errors.Is() target.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// New builds a reactor error with no underlying cause.
func New(scope string, kind Kind, retry RetryHint, message string) *Error {
	return &Error{Scope: scope, Kind: kind, Retry: retry, Message: message}
}

// Wrap builds a reactor error around an existing cause.
func Wrap(scope string, kind Kind, retry RetryHint, message string, cause error) *Error {
	return &Error{Scope: scope, Kind: kind, Retry: retry, Message: message, Cause: cause}
}

// ProtocolViolation is a convenience constructor: these always carry
// RetryNever, since retrying the same bytes against the same peer will
// reproduce the same violation.
func ProtocolViolation(scope, message string, cause error) *Error {
	return &Error{Scope: scope, Kind: KindProtocolViolation, Retry: RetryNever, Message: message, Cause: cause}
}

// CryptoFailure is a convenience constructor for handshake auth failures.
func CryptoFailure(scope, message string, cause error) *Error {
	return &Error{Scope: scope, Kind: KindCryptoFailure, Retry: RetryNever, Message: message, Cause: cause}
}

// ResourceExhaustion is a convenience constructor for quota overruns.
func ResourceExhaustion(scope, message string, cause error) *Error {
	return &Error{Scope: scope, Kind: KindResourceExhaustion, Retry: RetryAfterWaiting, Message: message, Cause: cause}
}

// Internal is a convenience constructor for assertion-level bugs.
func Internal(scope, message string) *Error {
	return &Error{Scope: scope, Kind: KindInternalBug, Retry: RetryNever, Message: message}
}
