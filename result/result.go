// Package result defines the error taxonomy of the nnrt memory layer.
//
// Every failure surfaced by the memory layer wraps exactly one of the sentinel
// errors below, so callers can classify it with errors.Is or convert it to the
// fixed Code enumeration consumed by the hosting API layer with CodeOf.
//
// Call sites add context with github.com/pkg/errors wrapping, which preserves
// the sentinel for errors.Is and carries a stack trace.
package result

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Sentinel errors for each failure class of the memory layer.
var (
	// ErrBadData indicates a malformed or incompatible request: wrong size,
	// incompatible shape or type, invalid role, invalid frequency, duplicate role.
	ErrBadData = errors.New("bad data")

	// ErrBadState indicates an operation invalid for the current lifecycle phase,
	// e.g. mutating a descriptor after it was finished, or allocating before.
	ErrBadState = errors.New("bad state")

	// ErrOutOfMemory indicates allocation exhaustion, after any fallback was
	// already attempted.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrUnmappable indicates a memory region could not be mapped for byte-level
	// access.
	ErrUnmappable = errors.New("unmappable memory")

	// ErrOpFailed indicates a backend or accelerator primitive returned failure,
	// including the case where no provenance pairing supports a requested copy.
	ErrOpFailed = errors.New("operation failed")

	// ErrUnexpectedNull indicates a required resource (fd duplication, handle
	// creation) could not be produced by the underlying platform primitive.
	ErrUnexpectedNull = errors.New("unexpected null")
)

// Code is the fixed result enumeration surfaced to the hosting API layer.
type Code int

const (
	NoError Code = iota
	BadData
	BadState
	OutOfMemory
	Unmappable
	OpFailed
	UnexpectedNull
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case NoError:
		return "NoError"
	case BadData:
		return "BadData"
	case BadState:
		return "BadState"
	case OutOfMemory:
		return "OutOfMemory"
	case Unmappable:
		return "Unmappable"
	case OpFailed:
		return "OpFailed"
	case UnexpectedNull:
		return "UnexpectedNull"
	}
	return "Code(?)"
}

// CodeOf maps err to its Code. A nil error maps to NoError; an error that
// doesn't wrap any sentinel of this package maps to OpFailed.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return NoError
	case stderrors.Is(err, ErrBadData):
		return BadData
	case stderrors.Is(err, ErrBadState):
		return BadState
	case stderrors.Is(err, ErrOutOfMemory):
		return OutOfMemory
	case stderrors.Is(err, ErrUnmappable):
		return Unmappable
	case stderrors.Is(err, ErrUnexpectedNull):
		return UnexpectedNull
	}
	return OpFailed
}
