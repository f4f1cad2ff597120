// Package errs defines the dispatch engine's error taxonomy.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which class of failure an Error wraps.
type Kind string

const (
	// KindNoListeners is returned synchronously from Run when no callback
	// has been registered for any event.
	KindNoListeners Kind = "no_listeners"
	// KindStoreNotSupported is returned when the shared store is accessed
	// but Options.UseStore was false.
	KindStoreNotSupported Kind = "store_not_supported"
	// KindTransport marks a request that failed before a response was
	// produced (DNS, connect, TLS, timeout).
	KindTransport Kind = "transport"
	// KindCallback marks a panic/error recovered from a user callback.
	KindCallback Kind = "callback"
	// KindShutdown marks a request abandoned in-flight because Exit was
	// called while it was still pending.
	KindShutdown Kind = "shutdown"
)

// Error is the engine's sentinel error type. The engine's own failures
// (Run's no-listener gate, disabled-store access, pool transport failures,
// recovered callback panics) are reported as one of these, so callers can
// switch on Kind rather than string-matching. Context cancellation from
// Submit/Run and the cause attached to a 5xx routed by ClassifyByStatus are
// plain errors.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with an optional wrapped cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// NoListeners is returned by Run when no callback has been registered.
func NoListeners() *Error { return New(KindNoListeners, nil) }

// StoreNotSupported is returned from Store access when UseStore is false.
func StoreNotSupported() *Error { return New(KindStoreNotSupported, nil) }

// Transport wraps an underlying transport failure.
func Transport(cause error) *Error { return New(KindTransport, cause) }

// Callback wraps a panic or error recovered from a user callback.
func Callback(cause error) *Error { return New(KindCallback, cause) }

// Shutdown marks a request abandoned by a forced teardown.
func Shutdown(cause error) *Error { return New(KindShutdown, cause) }

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
