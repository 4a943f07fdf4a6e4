// Package rerrors defines the client-visible error taxonomy described in
// the error handling design: a small closed set of kinds that foreground
// handlers may return, deliberately stripped of peer identities and vector
// clocks before they cross a request boundary.
package rerrors

import (
	"errors"
	"fmt"
)

// Kind is a client-visible error classification.
type Kind string

const (
	// NotFound means metadata has no record of the requested entity.
	NotFound Kind = "not_found"
	// Unavailable means metadata knows the entity but every holder is
	// currently unreachable; retriable.
	Unavailable Kind = "unavailable"
	// NoCapacity means no active storage node exists to satisfy a write.
	NoCapacity Kind = "no_capacity"
	// Transient means a peer or dependency was unreachable for this one
	// attempt; the caller should not retry inline, a background loop will.
	Transient Kind = "transient"
	// Internal means a local invariant failed (e.g. a local store
	// transaction aborted); nothing about the cause is client-visible.
	Internal Kind = "internal"
	// ChecksumMismatch means a chunk write failed content verification.
	ChecksumMismatch Kind = "checksum_mismatch"
)

// Error is a classified error safe to serialize to a client.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As, without ever
// serializing it to a client.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a classified error with no internal cause attached.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error carrying an internal cause. The cause is
// never included in Error()'s client-facing string form beyond debug logs;
// HTTP layers must use Message, not Error(), when writing responses.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal for anything else — an unclassified error is treated as an
// internal fault rather than leaked verbatim.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the conventional status code for the client
// APIs and node-to-node control surface.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return 404
	case Unavailable:
		return 503
	case NoCapacity:
		return 507
	case Transient:
		return 503
	case ChecksumMismatch:
		return 422
	default:
		return 500
	}
}
