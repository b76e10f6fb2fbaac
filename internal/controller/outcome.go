package controller

import (
	"time"

	"github.com/mobilipia/build-tools/internal/async"
)

// Status is the final state of a controlled call.
type Status string

const (
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Exit codes returned by the CLI for each status.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitCancelled = 130
)

// Outcome summarizes one controlled call.
type Outcome struct {
	CallID     string
	Name       string
	Status     Status
	Data       any
	Error      *async.ErrorInfo
	StartedAt  time.Time
	FinishedAt time.Time

	// AccidentLog is the path of the flushed accident log, set only when an
	// unexpected failure was written to disk.
	AccidentLog string
}

// ExitCode maps the outcome to a process exit code.
func (o Outcome) ExitCode() int {
	switch o.Status {
	case StatusDone:
		return ExitOK
	case StatusCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// Unexpected reports whether the call failed in a way the user could not
// anticipate.
func (o Outcome) Unexpected() bool {
	return o.Status == StatusFailed && (o.Error == nil || !o.Error.Expected)
}

// Duration returns how long the call ran.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// outcomeFrom maps a terminal event to an outcome status.
func outcomeFrom(ev async.Event, o *Outcome) {
	switch ev.Type {
	case async.EventSuccess:
		o.Status = StatusDone
		o.Data = ev.Data()
	case async.EventError:
		o.Error = ev.ErrorInfo()
		if o.Error.Cancelled {
			o.Status = StatusCancelled
		} else {
			o.Status = StatusFailed
		}
	}
}
