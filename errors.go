package ffbcore

import (
	"errors"
	"fmt"
)

// ErrorCode is the set of error kinds recognized at the core boundary
// (spec.md §7). Every failure on the RT path is converted to a fault raise
// rather than surfaced by exception; these codes are for init-time and
// supervisor-observed errors only.
type ErrorCode string

const (
	CodeInitFailed         ErrorCode = "init failed"
	CodeDeviceWriteFailed  ErrorCode = "device write failed"
	CodeDeadlineMissed     ErrorCode = "deadline missed"
	CodeSensorStale        ErrorCode = "sensor stale"
	CodeThermalPowerLimit  ErrorCode = "thermal power limit"
	CodeEstopRequested     ErrorCode = "estop requested"
)

// Error is the structured error type returned across the core boundary:
// init failures and supervisor-observed conditions, never something raised
// from inside the RT tick path itself.
type Error struct {
	Op    string    // operation that failed, e.g. "attach_device", "load_config"
	Code  ErrorCode // high-level error category
	Msg   string    // human-readable message
	Inner error     // wrapped error, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("ffbcore: %s: %s (op=%s)", e.Code, msg, e.Op)
	}
	return fmt.Sprintf("ffbcore: %s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured Error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps an existing error with ffbcore context, preserving the
// inner error's code if it is already a structured Error.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if fe, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: fe.Code, Msg: fe.Msg, Inner: fe.Inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}
