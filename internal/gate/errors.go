package gate

import (
	"errors"
	"fmt"
)

// Kind classifies errors returned to callers.
type Kind int

const (
	Internal Kind = iota
	Unauthenticated
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case InvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

// Error is a caller-visible failure. Msg is safe to show to the caller.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, Internal for anything that is not an *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// Message returns the caller-facing message of err.
func Message(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Msg
	}
	return "internal error"
}

func errUnauthenticated() error {
	return &Error{Kind: Unauthenticated, Msg: "Unauthenticated"}
}

func errInvalid(msg string) error {
	return &Error{Kind: InvalidArgument, Msg: msg}
}

func errInternal(msg string, cause error) error {
	return &Error{Kind: Internal, Msg: msg, Err: cause}
}
