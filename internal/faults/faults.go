// Package faults classifies failures so that schedulers, event payloads and
// the HTTP layer agree on what went wrong without parsing error strings.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the failure class carried by error events and status records.
type Kind string

const (
	InputInvalid   Kind = "input_invalid"
	MissingModel   Kind = "missing_model"
	IO             Kind = "io"
	OOM            Kind = "oom"
	PredictFailure Kind = "predict_failure"
	Subprocess     Kind = "subprocess"
	Timeout        Kind = "timeout"
	MissingOutput  Kind = "missing_output"
	SharedState    Kind = "shared_state"
)

// Error pairs a failure class with the operation that produced it.
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

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation. err may be nil when the kind and
// operation say everything there is to say.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef is E with a formatted message instead of a wrapped cause.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the failure class of err, walking the wrap chain. Errors
// that never passed through E report the empty Kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
