// Package forge implements the forge commands as tasks run on the
// task/event bridge.
package forge

import "fmt"

// Version is the tools version reported to the build server.
const Version = "3.3.0"

// Error is a failure the user can fix, such as running a command in the
// wrong directory. It is shown without the unexpected-failure framing.
type Error struct {
	Msg string
	Err error
}

// Errorf formats an Error. A %w verb wraps its operand.
func Errorf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Msg: err.Error(), Err: unwrapOne(err)}
}

func unwrapOne(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	return nil
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Err }

// Expected reports true.
func (e *Error) Expected() bool { return true }

// ErrorType names the error the way users know it.
func (e *Error) ErrorType() string { return "ForgeError" }
