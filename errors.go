// Package tagmux implements the tag/level message-exchange engine:
// a concurrent, in-memory IPC primitive where threads reserve a tag,
// share it by key, and exchange at most one undelivered message per
// level per epoch.
package tagmux

import (
	"errors"
	"fmt"
)

// Code is the engine's error taxonomy.
type Code string

const (
	CodeInvalid     Code = "invalid"
	CodeNotFound    Code = "not-found"
	CodeBusy        Code = "busy"
	CodeForbidden   Code = "forbidden"
	CodeCapacity    Code = "capacity"
	CodeNoMemory    Code = "no-memory"
	CodeFault       Code = "fault"
	CodeInterrupted Code = "interrupted"
	CodeProtocol    Code = "protocol"
)

// Error is a structured engine error carrying the failing operation,
// the descriptor/level involved (if any), and the taxonomy code.
type Error struct {
	Op         string
	Descriptor int // -1 if not applicable
	Level      int // -1 if not applicable
	Code       Code
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Descriptor >= 0 && e.Level >= 0:
		return fmt.Sprintf("tagmux: %s (op=%s descriptor=%d level=%d)", msg, e.Op, e.Descriptor, e.Level)
	case e.Descriptor >= 0:
		return fmt.Sprintf("tagmux: %s (op=%s descriptor=%d)", msg, e.Op, e.Descriptor)
	default:
		return fmt.Sprintf("tagmux: %s (op=%s)", msg, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

// Is lets errors.Is(err, tagmux.ErrNotFound) (etc.) work by comparing
// taxonomy codes rather than pointer identity.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// NewError builds a structured error for the given operation and code.
func NewError(op string, descriptor, level int, code Code, msg string) *Error {
	return &Error{Op: op, Descriptor: descriptor, Level: level, Code: code, Msg: msg}
}

// WrapError builds a structured error like NewError, but carries inner as
// the wrapped cause (errors.Unwrap(result) returns inner). Use it where an
// engine error genuinely has an underlying failure to preserve, such as a
// fault-injected allocation or copy failure in tests; a bare NewError is
// enough when the taxonomy code is the entire story.
func WrapError(op string, descriptor, level int, code Code, msg string, inner error) *Error {
	return &Error{Op: op, Descriptor: descriptor, Level: level, Code: code, Msg: msg, Inner: inner}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Sentinels for errors.Is comparisons; only Code is compared, the
// other fields are ignored by Error.Is.
var (
	ErrInvalid     = &Error{Code: CodeInvalid, Descriptor: -1, Level: -1}
	ErrNotFound    = &Error{Code: CodeNotFound, Descriptor: -1, Level: -1}
	ErrBusy        = &Error{Code: CodeBusy, Descriptor: -1, Level: -1}
	ErrForbidden   = &Error{Code: CodeForbidden, Descriptor: -1, Level: -1}
	ErrCapacity    = &Error{Code: CodeCapacity, Descriptor: -1, Level: -1}
	ErrNoMemory    = &Error{Code: CodeNoMemory, Descriptor: -1, Level: -1}
	ErrFault       = &Error{Code: CodeFault, Descriptor: -1, Level: -1}
	ErrInterrupted = &Error{Code: CodeInterrupted, Descriptor: -1, Level: -1}
	ErrProtocol    = &Error{Code: CodeProtocol, Descriptor: -1, Level: -1}
)
