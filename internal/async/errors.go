package async

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrCancelled matches (via errors.Is) every cancellation error.
	ErrCancelled = errors.New("got kill signal")

	// ErrResponseTimeout is returned when WaitForResponse runs past its timeout.
	ErrResponseTimeout = errors.New("timed out waiting for response")

	// ErrCallClosed is returned by emits after the controller retired the call.
	ErrCallClosed = errors.New("call is closed")
)

// CancelledError is raised at a cancellation checkpoint of an interrupted call.
// Cause holds the error the task returned, usually a context error, when the
// interrupt surfaced through it rather than through a checkpoint.
type CancelledError struct {
	CallID string
	Cause  error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("call %s interrupted: %v: %v", e.CallID, ErrCancelled, e.Cause)
	}
	return fmt.Sprintf("call %s interrupted: %v", e.CallID, ErrCancelled)
}

// Unwrap lets errors.Is match both ErrCancelled and the cause.
func (e *CancelledError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrCancelled, e.Cause}
	}
	return []error{ErrCancelled}
}

// Expected marks cancellation as an anticipated outcome.
func (e *CancelledError) Expected() bool { return true }

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Expecter is implemented by errors that know whether they are anticipated,
// user-facing failures.
type Expecter interface {
	Expected() bool
}

// ExtraFielder is implemented by errors that carry extra context for the
// error event, such as a server response body.
type ExtraFielder interface {
	Extra() map[string]any
}

// ErrorTyper lets an error choose the name reported as error_type.
type ErrorTyper interface {
	ErrorType() string
}

// ErrorInfo is the captured description of a failed task.
type ErrorInfo struct {
	Message   string
	Type      string
	Traceback string
	Expected  bool
	Cancelled bool
	Extra     Fields
}

// Fields renders the info as the payload of an error event. Extra fields
// never overwrite the standard keys.
func (i *ErrorInfo) Fields() Fields {
	f := make(Fields, len(i.Extra)+5)
	for k, v := range i.Extra {
		f[k] = v
	}
	f["message"] = i.Message
	f["error_type"] = i.Type
	f["traceback"] = i.Traceback
	f["expected"] = i.Expected
	if i.Cancelled {
		f["cancelled"] = true
	}
	return f
}

// describe captures err for an error event. sentinels are errors that count
// as expected when matched with errors.Is.
func describe(err error, sentinels []error) *ErrorInfo {
	info := &ErrorInfo{
		Message:   err.Error(),
		Type:      typeName(err),
		Traceback: traceback(err),
		Cancelled: errors.Is(err, ErrCancelled),
	}

	var exp Expecter
	if errors.As(err, &exp) && exp.Expected() {
		info.Expected = true
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			info.Expected = true
			break
		}
	}

	var extra ExtraFielder
	if errors.As(err, &extra) {
		if m := extra.Extra(); len(m) > 0 {
			info.Extra = Fields(m)
		}
	}
	return info
}

// typeName returns the short type name of the first error in the tree that
// is not a plain fmt wrapper. Joined errors are searched in order.
func typeName(err error) string {
	if name := findTypeName(err); name != "" {
		return name
	}
	return "Error"
}

func findTypeName(err error) string {
	if err == nil {
		return ""
	}
	if t, ok := err.(ErrorTyper); ok {
		return t.ErrorType()
	}
	switch full := reflect.TypeOf(err).String(); full {
	case "*fmt.wrapError", "*fmt.wrapErrors", "*errors.joinError":
		for _, inner := range unwrapAll(err) {
			if name := findTypeName(inner); name != "" {
				return name
			}
		}
		return ""
	case "*errors.errorString":
		return "Error"
	default:
		return shortTypeName(full)
	}
}

// unwrapAll returns the errors err wraps, for both Unwrap forms.
func unwrapAll(err error) []error {
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		return u.Unwrap()
	case interface{ Unwrap() error }:
		if inner := u.Unwrap(); inner != nil {
			return []error{inner}
		}
	}
	return nil
}

func shortTypeName(full string) string {
	full = strings.TrimLeft(full, "*")
	if i := strings.LastIndex(full, "."); i >= 0 {
		return full[i+1:]
	}
	return full
}

// traceback renders the wrap tree, one error per line indented by depth,
// followed by the goroutine stack when the task panicked.
func traceback(err error) string {
	var b strings.Builder
	writeTrace(&b, err, 0)
	var p *PanicError
	if errors.As(err, &p) && len(p.Stack) > 0 {
		b.WriteString("\n")
		b.Write(p.Stack)
	}
	return b.String()
}

func writeTrace(b *strings.Builder, err error, depth int) {
	fmt.Fprintf(b, "%s%s: %s\n", strings.Repeat("  ", depth), reflect.TypeOf(err), err.Error())
	for _, inner := range unwrapAll(err) {
		writeTrace(b, inner, depth+1)
	}
}
