// Package corefault defines the closed set of error kinds the core surfaces
// (spec §7) and the classification helpers callers use to route them.
package corefault

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	SourceMissing               Kind = "source_missing"
	SourceUnstable               Kind = "source_unstable"
	DestinationIOError           Kind = "destination_io_error"           // retryable
	DestinationPermissionDenied  Kind = "destination_permission_denied"  // permanent after N attempts
	HashMismatch                 Kind = "hash_mismatch"                  // permanent
	Truncation                   Kind = "truncation"                     // permanent
	InvariantViolation           Kind = "invariant_violation"            // fatal to the transition, never to the process
	Cancelled                    Kind = "cancelled"                      // retryable on next start
	RetriesExhausted              Kind = "retries_exhausted"             // permanent
	StoreConflict                Kind = "store_conflict"                 // recovered locally, never surfaced
	StoreFault                   Kind = "store_fault"                    // fatal to the current transition, surfaced
)

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if any Error is present in its chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether a Kind feeds the Adjudicator's retry loop rather
// than immediately producing a permanent/quarantine outcome.
func (k Kind) Retryable() bool {
	switch k {
	case DestinationIOError, Cancelled, SourceUnstable:
		return true
	default:
		return false
	}
}

// Permanent reports whether a Kind is a permanent target fault (spec §4.3).
func (k Kind) Permanent() bool {
	switch k {
	case HashMismatch, Truncation, SourceMissing, DestinationPermissionDenied, RetriesExhausted:
		return true
	default:
		return false
	}
}

// QuarantineCause reports whether a permanent Kind is a data-integrity cause
// that routes the Job to Quarantined rather than Failed (spec I3).
func (k Kind) QuarantineCause() bool {
	switch k {
	case HashMismatch, Truncation, SourceMissing:
		return true
	default:
		return false
	}
}
