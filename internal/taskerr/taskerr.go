// Package taskerr implements the error and timeout taxonomy shared by
// the scheduler and execution engine. Every error here is a first-class
// result value, not an out-of-band exception: a step whose evaluation
// fails stores one of these as its result and execution continues.
package taskerr

import (
	"encoding/json"
	"fmt"

	"github.com/swarmguard/graphsched/internal/args"
)

// Kind identifies which member of the error taxonomy a value represents.
type Kind string

const (
	KindTask       Kind = "task_error"
	KindDependency Kind = "dependency_error"
	KindTimeout    Kind = "timeout_error"
	KindWarning    Kind = "warning"
)

// Error is a transmissible error value: it carries enough information to
// survive a channel hop to another worker without losing its kind,
// message, or captured call-site info.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	CallSite  string `json:"call_site,omitempty"`
	Worker    *int   `json:"worker,omitempty"`
	errArgs   []any
	errArgsOK bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Equal compares two error values by (kind, args). Two errors with
// different messages but equal kind+args are still considered equal
// when args carries the comparison payload; otherwise message equality
// is used as the args surrogate.
func (e *Error) Equal(other *Error) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Kind != other.Kind {
		return false
	}
	if e.errArgsOK && other.errArgsOK {
		return equalArgs(e.errArgs, other.errArgs)
	}
	return e.Message == other.Message
}

func equalArgs(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}

// NewTaskError wraps an error returned by a user task (or hit while
// expanding its arguments), capturing its arguments and a call-site
// string for diagnostics.
func NewTaskError(err error, callArgs []any, callSite string) *Error {
	return &Error{
		Kind:      KindTask,
		Message:   err.Error(),
		CallSite:  callSite,
		errArgs:   callArgs,
		errArgsOK: true,
	}
}

// NewDependencyError wraps an upstream error value. If inner is already a
// DependencyError its message is reused directly (flattened one level,
// never stacked).
func NewDependencyError(inner *Error) *Error {
	if inner == nil {
		return &Error{Kind: KindDependency, Message: "a wild dependency error appeared"}
	}
	if inner.Kind == KindDependency {
		return &Error{Kind: KindDependency, Message: inner.Message}
	}
	return &Error{
		Kind:    KindDependency,
		Message: fmt.Sprintf("a dependency raised %s with the message %q", inner.Kind, inner.Message),
	}
}

// NewTimeoutError builds a TaskTimeoutError. worker is nil for an
// in-worker receive timeout, or the worker index for a master-side
// collection timeout.
func NewTimeoutError(worker *int) *Error {
	if worker == nil {
		return &Error{Kind: KindTimeout, Message: "receive task timed out"}
	}
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("timeout when collecting results from worker %d", *worker),
		Worker:  worker,
	}
}

// NewWarning builds a non-fatal UserWarning diagnostic.
func NewWarning(message string) *Error {
	return &Error{Kind: KindWarning, Message: message}
}

// IsErrorValue reports whether v is a *taskerr.Error.
func IsErrorValue(v any) bool {
	_, ok := v.(*Error)
	return ok
}

// AsError type-asserts v into a *Error, if it is one.
func AsError(v any) (*Error, bool) {
	e, ok := v.(*Error)
	return e, ok
}

func init() {
	args.IsErrValue = IsErrorValue
	args.WrapDependencyError = func(inner any) error {
		e, _ := AsError(inner)
		return NewDependencyError(e)
	}
}

// MarshalJSON / UnmarshalJSON make Error round-trip through JSON without
// losing its kind, message, call site or worker. The in-memory
// comparison payload (errArgs) is deliberately not carried: a
// deserialised error compares by message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal((*alias)(e))
}

func (e *Error) UnmarshalJSON(data []byte) error {
	type alias Error
	return json.Unmarshal(data, (*alias)(e))
}
