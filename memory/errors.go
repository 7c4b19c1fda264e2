package memory

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes memory subsystem failures.
type ErrorKind string

const (
	KindNotFound              ErrorKind = "not_found"
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"
	KindInconsistentState     ErrorKind = "inconsistent_state"
	KindCapacity              ErrorKind = "capacity"
)

// Error is a classified memory error. Callers of the public store API mostly see
// these in logs: lookups return false instead of NotFound, and unavailable
// capabilities turn into empty results.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.ID != "" {
		msg += " (" + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var memErr *Error
	if errors.As(err, &memErr) {
		return memErr.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a NotFound memory error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsCapabilityUnavailable reports whether err came from a missing or failing embedding/vector backend.
func IsCapabilityUnavailable(err error) bool { return isKind(err, KindCapabilityUnavailable) }

// IsInconsistentState reports whether err describes corrupted or half-applied state.
func IsInconsistentState(err error) bool { return isKind(err, KindInconsistentState) }

// IsCapacity reports whether err is a capacity rejection.
func IsCapacity(err error) bool { return isKind(err, KindCapacity) }
