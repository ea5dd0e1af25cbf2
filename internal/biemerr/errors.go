// Package biemerr defines the error taxonomy shared across BIEM
// components: semantic kinds rather than one-off sentinel strings, so
// callers can branch with errors.Is/As regardless of which component
// raised the error.
package biemerr

import (
	"errors"
	"fmt"
)

// Kind is a semantic error category.
type Kind int

const (
	// NotReady: operation attempted before initialize/connect completed.
	NotReady Kind = iota
	// BackendUnavailable: a vector or relational backend cannot be reached.
	BackendUnavailable
	// EncodingFailure: the embedding backend errored or returned nothing.
	EncodingFailure
	// LLMFailure: the completion call failed or returned unparseable JSON.
	LLMFailure
	// ValidationFailure: input violates a contract.
	ValidationFailure
	// Timeout: an external call exceeded its configured budget.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case NotReady:
		return "not_ready"
	case BackendUnavailable:
		return "backend_unavailable"
	case EncodingFailure:
		return "encoding_failure"
	case LLMFailure:
		return "llm_failure"
	case ValidationFailure:
		return "validation_failure"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a semantic Kind and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, biemerr.NotReady) work by comparing Kind via a
// sentinel *Error whose Kind field is set and whose Err field is nil.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New wraps err with the given Kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel kind values usable directly with errors.Is, e.g.
// errors.Is(err, biemerr.ErrNotReady).
var (
	ErrNotReady            = &Error{Kind: NotReady}
	ErrBackendUnavailable  = &Error{Kind: BackendUnavailable}
	ErrEncodingFailure     = &Error{Kind: EncodingFailure}
	ErrLLMFailure          = &Error{Kind: LLMFailure}
	ErrValidationFailure   = &Error{Kind: ValidationFailure}
	ErrTimeout             = &Error{Kind: Timeout}
)

// Of reports the Kind of err if it (or something it wraps) is a *Error,
// and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
