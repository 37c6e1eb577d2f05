package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the transport layer can map it to a status
// without inspecting error text.
type Kind string

const (
	// KindNotFound indicates an unknown channel, thread, or message id.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict indicates a version mismatch on edit or a uniqueness clash.
	KindConflict Kind = "CONFLICT"
	// KindInvalidArgument indicates an empty body or malformed reference.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindForbidden indicates a cross-organization access attempt.
	KindForbidden Kind = "FORBIDDEN"
	// KindRateLimited indicates the hub declined a subscription beyond the per-org cap.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindInternal covers storage and infrastructure failures.
	KindInternal Kind = "INTERNAL"
)

// Error carries the failure kind alongside the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a kinded error for the given operation.
func NewError(kind Kind, operation string, cause error) error {
	return &Error{Kind: kind, Op: operation, Err: cause}
}

// KindOf returns the kind carried by err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
