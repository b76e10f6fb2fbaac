package controller

import (
	"context"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/question"
)

// Presenter shows a call's events to the user and collects answers.
// All methods are called from the controller goroutine.
type Presenter interface {
	// Ask collects an answer for schema. It must return when ctx is done.
	Ask(ctx context.Context, schema question.Schema) (map[string]any, error)

	// Invalid tells the user an answer was rejected before asking again.
	Invalid(err error)

	ProgressStart(message string)
	Progress(message string, fraction float64)
	ProgressEnd(message string)

	// Log shows a task log line that passed the verbosity filter.
	Log(level log.Level, message string)

	// Finish reports the outcome of the call.
	Finish(o Outcome)
}

// Observer follows calls as the controller sees them. Tracing and history
// hook in here.
type Observer interface {
	CallStarted(ctx context.Context, call *async.Call)
	CallEvent(call *async.Call, ev async.Event)
	CallFinished(call *async.Call, o Outcome)
}
