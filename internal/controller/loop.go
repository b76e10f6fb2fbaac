// Package controller drives a running async.Call: it presents the events the
// task emits, answers its questions and turns its terminal event into an
// Outcome.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/pubsub"
)

const (
	// DefaultPollInterval is how often the loop wakes without an event to
	// check whether the worker is still alive.
	DefaultPollInterval = time.Second

	// DefaultJoinTimeout bounds how long an interrupted call may take to stop.
	DefaultJoinTimeout = 5 * time.Second

	// DefaultAnswerAttempts is how many invalid answers are tolerated before
	// the call is interrupted.
	DefaultAnswerAttempts = 3
)

// ErrJoinTimeout is reported when an interrupted worker does not stop in time.
var ErrJoinTimeout = errors.New("task did not stop after interrupt")

// ErrNoResult is reported when the worker exits without a terminal event.
var ErrNoResult = errors.New("task ended without a result")

// Notice is published for every call lifecycle step when a broker is set.
type Notice struct {
	CallID  string
	Name    string
	Event   async.Event
	Outcome *Outcome
}

// Option configures a Loop.
type Option func(*Loop)

// WithPollInterval sets the idle wake-up interval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithJoinTimeout sets how long Run waits for an interrupted worker.
func WithJoinTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.joinTimeout = d
		}
	}
}

// WithMinLevel hides task log lines below level from the presenter. They are
// still written to the log file.
func WithMinLevel(level log.Level) Option {
	return func(l *Loop) {
		l.minLevel = level
	}
}

// WithBroker publishes a Notice for each start, event and finish.
func WithBroker(b *pubsub.Broker[Notice]) Option {
	return func(l *Loop) {
		l.broker = b
	}
}

// WithObservers registers observers such as the tracer and history recorder.
func WithObservers(obs ...Observer) Option {
	return func(l *Loop) {
		l.observers = append(l.observers, obs...)
	}
}

// WithAccidentLog flushes a to disk when a call fails unexpectedly.
func WithAccidentLog(a *log.AccidentLog) Option {
	return func(l *Loop) {
		l.accident = a
	}
}

// Loop is the controller event loop.
type Loop struct {
	presenter    Presenter
	pollInterval time.Duration
	joinTimeout  time.Duration
	minLevel     log.Level
	broker       *pubsub.Broker[Notice]
	observers    []Observer
	accident     *log.AccidentLog
}

// New creates a Loop that reports to presenter.
func New(presenter Presenter, opts ...Option) *Loop {
	l := &Loop{
		presenter:    presenter,
		pollInterval: DefaultPollInterval,
		joinTimeout:  DefaultJoinTimeout,
		minLevel:     log.LevelInfo,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run starts call on a worker goroutine and drives it to completion.
// Cancelling ctx interrupts the call; Run then waits up to the join timeout
// for the worker to stop.
func (l *Loop) Run(ctx context.Context, call *async.Call) Outcome {
	out := Outcome{
		CallID:    call.ID(),
		Name:      call.Name(),
		StartedAt: time.Now(),
	}
	defer call.Close()

	for _, obs := range l.observers {
		obs.CallStarted(ctx, call)
	}
	l.publish(pubsub.CallStartedEvent, Notice{CallID: call.ID(), Name: call.Name()})
	log.Info(log.CatController, "running task", "call", call.ID(), "task", call.Name())

	// The worker outlives ctx so it can report its own cancellation.
	go call.Run(context.WithoutCancel(ctx))

	l.loop(ctx, call, &out)

	out.FinishedAt = time.Now()
	l.finish(call, &out)
	return out
}

func (l *Loop) loop(ctx context.Context, call *async.Call, out *Outcome) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-call.Events():
			if l.handle(ctx, call, ev, out) {
				return
			}
		case <-ctx.Done():
			l.interrupt(call, out)
			return
		case <-ticker.C:
			select {
			case <-call.Done():
				if l.drain(call, out) {
					return
				}
				out.Status = StatusFailed
				out.Error = &async.ErrorInfo{Message: ErrNoResult.Error(), Type: "Error"}
				return
			default:
			}
		}
	}
}

// handle processes one event. It returns true once a terminal event has been
// seen.
func (l *Loop) handle(ctx context.Context, call *async.Call, ev async.Event, out *Outcome) bool {
	for _, obs := range l.observers {
		obs.CallEvent(call, ev)
	}
	l.publish(pubsub.CallEvent, Notice{CallID: call.ID(), Name: call.Name(), Event: ev})

	switch ev.Type {
	case async.EventQuestion:
		l.answer(ctx, call, ev)
	case async.EventProgressStart:
		l.presenter.ProgressStart(ev.Message())
	case async.EventProgress:
		fraction, _ := ev.Fraction()
		l.presenter.Progress(ev.Message(), fraction)
	case async.EventProgressEnd:
		l.presenter.ProgressEnd(ev.Message())
	case async.EventLog:
		l.relayLog(call, ev)
	case async.EventSuccess, async.EventError:
		outcomeFrom(ev, out)
		return true
	default:
		log.Warn(log.CatController, "ignoring unknown event", "call", call.ID(), "type", string(ev.Type))
	}
	return false
}

// answer asks the presenter for a valid answer and sends it to the task.
// Presenter failures interrupt the call.
func (l *Loop) answer(ctx context.Context, call *async.Call, ev async.Event) {
	schema, err := ev.Schema()
	if err != nil {
		log.ErrorErr(log.CatController, "invalid question schema", err, "call", call.ID(), "event", ev.EventID)
		call.Interrupt()
		return
	}

	for attempt := 1; attempt <= DefaultAnswerAttempts; attempt++ {
		answer, err := l.presenter.Ask(ctx, schema)
		if err != nil {
			if ctx.Err() == nil {
				log.ErrorErr(log.CatController, "could not get an answer", err, "call", call.ID())
				call.Interrupt()
			}
			// A cancelled ctx is handled by the loop.
			return
		}
		if err := schema.Validate(answer); err != nil {
			log.Warn(log.CatController, "answer rejected", "call", call.ID(), "attempt", attempt, "error", err)
			l.presenter.Invalid(err)
			continue
		}
		call.Input(async.Response{EventID: ev.EventID, Data: answer})
		return
	}

	log.Error(log.CatController, "too many invalid answers", "call", call.ID(), "event", ev.EventID)
	call.Interrupt()
}

// relayLog writes a task log record to the log file and shows it when it
// passes the verbosity filter.
func (l *Loop) relayLog(call *async.Call, ev async.Event) {
	level, ok := log.ParseLevel(ev.Level())
	if !ok {
		log.Debug(log.CatController, "unknown task log level", "call", call.ID(), "level", ev.Level())
	}
	log.Log(level, log.CatTask, ev.Message(), "call", call.ID())
	if level >= l.minLevel {
		l.presenter.Log(level, ev.Message())
	}
}

// interrupt stops the call and waits for it, still presenting its events.
// Questions asked during shutdown go unanswered.
func (l *Loop) interrupt(call *async.Call, out *Outcome) {
	log.Info(log.CatController, "interrupting task", "call", call.ID())
	call.Interrupt()

	timer := time.NewTimer(l.joinTimeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-call.Events():
			if ev.Type == async.EventQuestion {
				continue
			}
			if l.handle(context.Background(), call, ev, out) {
				discardLateResult(call, out)
				return
			}
		case <-call.Done():
			if l.drain(call, out) {
				discardLateResult(call, out)
				return
			}
			out.Status = StatusCancelled
			out.Error = &async.ErrorInfo{Message: ErrNoResult.Error(), Type: "CancelledError", Expected: true, Cancelled: true}
			return
		case <-timer.C:
			log.Warn(log.CatController, "task ignored interrupt", "call", call.ID(), "timeout", l.joinTimeout)
			out.Status = StatusCancelled
			out.Error = &async.ErrorInfo{
				Message:   fmt.Sprintf("%v within %s", ErrJoinTimeout, l.joinTimeout),
				Type:      "CancelledError",
				Expected:  true,
				Cancelled: true,
			}
			return
		}
	}
}

// discardLateResult turns a success that raced the interrupt into a
// cancellation. The user asked to stop, so the result is not used.
func discardLateResult(call *async.Call, out *Outcome) {
	if out.Status != StatusDone {
		return
	}
	log.Info(log.CatController, "discarding result that finished after interrupt", "call", call.ID())
	out.Status = StatusCancelled
	out.Data = nil
	out.Error = &async.ErrorInfo{
		Message:   fmt.Sprintf("call %s interrupted: %v", call.ID(), async.ErrCancelled),
		Type:      "CancelledError",
		Expected:  true,
		Cancelled: true,
	}
}

// drain handles events still buffered after the worker exited.
func (l *Loop) drain(call *async.Call, out *Outcome) bool {
	for {
		select {
		case ev := <-call.Events():
			if ev.Type == async.EventQuestion {
				continue
			}
			if l.handle(context.Background(), call, ev, out) {
				return true
			}
		default:
			return false
		}
	}
}

func (l *Loop) finish(call *async.Call, out *Outcome) {
	if out.Unexpected() && l.accident != nil {
		if err := l.accident.Flush(); err != nil {
			log.ErrorErr(log.CatController, "could not write accident log", err, "path", l.accident.Path())
		} else {
			out.AccidentLog = l.accident.Path()
		}
	}

	log.Info(log.CatController, "task finished", "call", call.ID(), "status", string(out.Status), "duration", out.Duration())

	for _, obs := range l.observers {
		obs.CallFinished(call, *out)
	}
	o := *out
	l.publish(pubsub.CallFinishedEvent, Notice{CallID: call.ID(), Name: call.Name(), Outcome: &o})
	l.presenter.Finish(*out)
}

func (l *Loop) publish(typ pubsub.EventType, n Notice) {
	if l.broker != nil {
		l.broker.Publish(typ, n)
	}
}
