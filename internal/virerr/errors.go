// Package virerr defines the error taxonomy shared by the driver packages.
//
// Every error surfaced to callers of the driver carries a Code so that the
// control socket and CLI can report the failure class without parsing messages.
package virerr

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code int

const (
	Unknown Code = iota
	ConfigError
	NoMemory
	InternalError
	OperationInvalid
	OperationFailed
	NoSupport
	SystemError
	InvalidArg
	NoDomain
	NoNetwork
	NoName
	NoSource
	NoTarget
	OSType
)

var codeNames = map[Code]string{
	Unknown:          "unknown",
	ConfigError:      "config-error",
	NoMemory:         "no-memory",
	InternalError:    "internal-error",
	OperationInvalid: "operation-invalid",
	OperationFailed:  "operation-failed",
	NoSupport:        "no-support",
	SystemError:      "system-error",
	InvalidArg:       "invalid-arg",
	NoDomain:         "no-domain",
	NoNetwork:        "no-network",
	NoName:           "no-name",
	NoSource:         "no-source",
	NoTarget:         "no-target",
	OSType:           "os-type",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error lets a bare Code be used as an errors.Is target.
func (c Code) Error() string {
	return c.String()
}

// ParseCode maps a wire name back onto its Code.
func ParseCode(name string) Code {
	for code, n := range codeNames {
		if n == name {
			return code
		}
	}
	return Unknown
}

// Error is a classified failure with an optional wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg == "":
		return e.Code.String()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both another *Error with the same code and a bare Code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// New builds a classified error with a formatted message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// System wraps an OS call failure.
func System(err error, format string, args ...any) error {
	return Wrap(SystemError, err, format, args...)
}

// CodeOf returns the code of the outermost classified error in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
