// Package blockstore defines the asynchronous block store contract shared
// by every tier of the storage subsystem: the uniform Store interface, its
// per-store statistics, and the error taxonomy completions report through.
package blockstore

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on category rather than
// string-match an error message.
type Kind int

const (
	// Ok is the zero value; no operation ever returns an *Error with Ok.
	Ok Kind = iota
	// InvalidArgument marks malformed caller input or a malformed index header.
	InvalidArgument
	// NotFound marks a block or path absent from a store.
	NotFound
	// AlreadyExists marks a rename target that is already present. Block
	// writes treat this as a benign race, not a failure.
	AlreadyExists
	// AccessDenied marks a permission failure or advisory-lock contention
	// exceeded after its retry budget.
	AccessDenied
	// OutOfMemory marks an allocation failure.
	OutOfMemory
	// IO marks an unclassified storage provider failure.
	IO
	// Cancelled marks an externally fired cancel token.
	Cancelled
	// MalformedData marks a serialized index or block that fails its
	// length/structural checks.
	MalformedData
	// HashIdentifierMismatch marks an algebra operation fed indexes from two
	// different hash families.
	HashIdentifierMismatch
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case AccessDenied:
		return "access_denied"
	case OutOfMemory:
		return "out_of_memory"
	case IO:
		return "io"
	case Cancelled:
		return "cancelled"
	case MalformedData:
		return "malformed_data"
	case HashIdentifierMismatch:
		return "hash_identifier_mismatch"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with operational context and an optional underlying
// cause, so callers can both errors.Is against a Kind and inspect the chain.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blockstore: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("blockstore: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKind) work by comparing against a bare Kind
// value wrapped as a target error via KindError.
func (e *Error) Is(target error) bool {
	var ke *kindSentinel
	if errors.As(target, &ke) {
		return e.Kind == ke.kind
	}
	return false
}

// New constructs an *Error for the given operation and kind.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return "kind:" + k.kind.String() }

// KindError returns a sentinel usable with errors.Is to test whether err
// carries the given Kind, regardless of Op or wrapped cause.
func KindError(k Kind) error { return &kindSentinel{kind: k} }

// KindOf extracts the Kind carried by err, or Ok if err is nil and IO if err
// does not carry a recognizable Kind.
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return IO
}
