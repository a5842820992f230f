// Package fault defines the error kinds surfaced at the tool boundary.
//
// Every error returned by the connection and extension subsystems carries a
// Kind with a stable machine-readable code plus a human-readable message.
// Callers match kinds with errors.Is against the sentinel values or with
// KindOf.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	PortInUse        Kind = "port_in_use"
	CapacityExceeded Kind = "capacity_exceeded"
	NotFound         Kind = "not_found"
	Closed           Kind = "closed"
	Timeout          Kind = "timeout"
	DeviceError      Kind = "device_error"
	Unavailable      Kind = "unavailable"
	OutsideSandbox   Kind = "outside_sandbox"
	InvalidContract  Kind = "invalid_contract"
	ImportFailure    Kind = "import_failure"
	NameCollision    Kind = "name_collision"
	PolicyDisabled   Kind = "policy_disabled"
	PolicyNotAllowed Kind = "policy_not_allowed"
	InvalidParams    Kind = "invalid_params"
	Busy             Kind = "busy"
	UnknownTool      Kind = "unknown_tool"
	Internal         Kind = "internal"
)

// Error is a kinded error. It wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, fault.ErrNotFound) work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is. They carry only a kind.
var (
	ErrPortInUse        = &Error{Kind: PortInUse}
	ErrCapacityExceeded = &Error{Kind: CapacityExceeded}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrClosed           = &Error{Kind: Closed}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrDevice           = &Error{Kind: DeviceError}
	ErrUnavailable      = &Error{Kind: Unavailable}
	ErrOutsideSandbox   = &Error{Kind: OutsideSandbox}
	ErrInvalidContract  = &Error{Kind: InvalidContract}
	ErrImportFailure    = &Error{Kind: ImportFailure}
	ErrNameCollision    = &Error{Kind: NameCollision}
	ErrPolicyDisabled   = &Error{Kind: PolicyDisabled}
	ErrPolicyNotAllowed = &Error{Kind: PolicyNotAllowed}
	ErrInvalidParams    = &Error{Kind: InvalidParams}
	ErrBusy             = &Error{Kind: Busy}
)

// New returns a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a kinded error wrapping cause. The message is prefixed to the
// cause's text.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf returns the kind of err, or Internal if err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
