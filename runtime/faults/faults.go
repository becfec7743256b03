// Package faults provides the structured failure taxonomy shared by the
// orchestrator, worker loops, governance and gateways. A Fault preserves
// message and causal context while still implementing the standard error
// interface, and carries a Kind that classifies how the failure propagates:
// action-local faults are absorbed and logged, unit-local faults degrade a
// single agent, and session faults terminate the workflow.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation decisions. The classification is
// part of the audit record, so values are stable strings.
type Kind string

const (
	// KindGovernanceViolation marks an action denied by policy. Local and
	// non-fatal: the denied action is skipped and the loop continues.
	KindGovernanceViolation Kind = "governance_violation"

	// KindValidationFailure marks a schema mismatch on a tool payload or an
	// agent's final output. Retried up to a configured limit before the unit
	// degrades to errored.
	KindValidationFailure Kind = "validation_failure"

	// KindResourceExceeded marks a session ceiling that blocked an action.
	// Further actions of that kind stay blocked for the session.
	KindResourceExceeded Kind = "resource_exceeded"

	// KindProviderError marks a failed gateway call (model or tool) after
	// local retries were exhausted.
	KindProviderError Kind = "provider_error"

	// KindTimeout marks an iteration or call that exceeded its bound and
	// forced termination of that unit.
	KindTimeout Kind = "timeout"

	// KindUnrecoverableState marks a session that cannot make progress: no
	// invokable agent remains or a required path is fully blocked.
	KindUnrecoverableState Kind = "unrecoverable_state"
)

// Fault represents a structured failure that preserves message and causal
// context. Faults may be nested via Cause to retain diagnostics across
// retries and loop boundaries; the chain supports errors.Is/As through
// Unwrap.
type Fault struct {
	// Kind classifies the failure for propagation and audit.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Cause links to the underlying fault, if any.
	Cause *Fault `json:"cause,omitempty"`
}

// New constructs a Fault of the given kind with the provided message.
func New(kind Kind, message string) *Fault {
	if message == "" {
		message = string(kind)
	}
	return &Fault{Kind: kind, Message: message}
}

// Errorf formats according to a format specifier and returns the string as a
// Fault of the given kind.
func Errorf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithCause constructs a Fault that wraps an underlying error. The cause is
// converted into a Fault chain so diagnostics survive serialization while
// still supporting errors.Is/As.
func WithCause(kind Kind, message string, cause error) *Fault {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Fault{Kind: kind, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a Fault chain. Errors that are
// not faults are classified as provider errors, the catch-all for failures
// originating outside the loop.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{
		Kind:    KindProviderError,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// Unwrap returns the underlying fault to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil || f.Cause == nil {
		return nil
	}
	return f.Cause
}

// Is reports whether target is a Fault of the same kind, so that
// errors.Is(err, &Fault{Kind: k}) matches on classification alone.
func (f *Fault) Is(target error) bool {
	if f == nil {
		return false
	}
	var other *Fault
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return f.Kind == other.Kind
}

// KindOf extracts the classification of err. Returns false when err carries
// no Fault in its chain.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if !errors.As(err, &f) || f == nil {
		return "", false
	}
	return f.Kind, true
}

// IsKind reports whether err carries a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
