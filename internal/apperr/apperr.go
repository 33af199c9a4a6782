// Package apperr classifies failures seen by the operator client so each one
// can be surfaced the right way: inline, as a notification, or as a forced
// re-login. None of them is fatal.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is a local input error; no network call was made.
	KindValidation
	// KindAuth is a rejected bearer token; the session must be discarded.
	KindAuth
	// KindTransientFetch is a network or 5xx failure on a read path.
	KindTransientFetch
	// KindWriteFailure is any failed mutation; the caller rolls back its UI state.
	KindWriteFailure
	// KindPartial marks a single partner whose metrics could not be fetched.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTransientFetch:
		return "transient_fetch"
	case KindWriteFailure:
		return "write_failure"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
