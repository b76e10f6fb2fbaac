package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mobilipia/build-tools/internal/log"
)

const (
	// DefaultPollInterval bounds how long a waiter goes without re-checking
	// for cancellation.
	DefaultPollInterval = time.Second

	// DefaultOutputBuffer is the capacity of the event channel.
	DefaultOutputBuffer = 256

	// DefaultInputBuffer is the capacity of the input channel.
	DefaultInputBuffer = 64

	// responseBuffer is the capacity of each per-event response channel.
	responseBuffer = 8
)

// Task is the operation a Call runs. It may emit events and wait for
// responses through call, which is also available from ctx via FromContext.
type Task func(ctx context.Context, call *Call) (any, error)

// Option configures a Call.
type Option func(*Call)

// WithCallID sets the call id instead of generating one.
func WithCallID(id string) Option {
	return func(c *Call) {
		if id != "" {
			c.id = id
		}
	}
}

// WithStamp merges constant fields into every event the call emits.
func WithStamp(stamp Fields) Option {
	return func(c *Call) {
		for k, v := range stamp {
			c.stamp[k] = v
		}
	}
}

// WithPollInterval sets the tick used by WaitForResponse.
func WithPollInterval(d time.Duration) Option {
	return func(c *Call) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithOutputBuffer sets the capacity of the event channel.
func WithOutputBuffer(n int) Option {
	return func(c *Call) {
		if n > 0 {
			c.outputBuffer = n
		}
	}
}

// WithExpectedErrors marks sentinel errors whose failures are reported as
// expected.
func WithExpectedErrors(errs ...error) Option {
	return func(c *Call) {
		c.expected = append(c.expected, errs...)
	}
}

// Call wraps one execution of a Task and its two-way event channel.
type Call struct {
	id           string
	name         string
	task         Task
	stamp        Fields
	pollInterval time.Duration
	outputBuffer int
	expected     []error

	output chan Event
	input  chan any

	// responsesMu guards only the find-or-create of response channels.
	responsesMu sync.Mutex
	responses   map[string]chan Response

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	taskCancel context.CancelFunc

	started    atomic.Bool
	routerDone chan struct{}
	done       chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	errMu   sync.Mutex
	errInfo *ErrorInfo
}

// NewCall creates a Call for task. The task does not start until Run.
func NewCall(name string, task Task, opts ...Option) *Call {
	c := &Call{
		id:           uuid.NewString(),
		name:         name,
		task:         task,
		stamp:        Fields{},
		pollInterval: DefaultPollInterval,
		outputBuffer: DefaultOutputBuffer,
		input:        make(chan any, DefaultInputBuffer),
		responses:    make(map[string]chan Response),
		cancelCh:     make(chan struct{}),
		routerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.output = make(chan Event, c.outputBuffer)
	return c
}

// ID returns the call id stamped on every event.
func (c *Call) ID() string { return c.id }

// Name returns the task name given to NewCall.
func (c *Call) Name() string { return c.name }

// Events returns the channel events are emitted on, in emission order.
func (c *Call) Events() <-chan Event { return c.output }

// Done is closed once Run has returned.
func (c *Call) Done() <-chan struct{} { return c.done }

// Cancelled reports whether the call has been interrupted.
func (c *Call) Cancelled() bool { return c.cancelled.Load() }

// Err returns the captured failure, or nil if the task has not failed.
func (c *Call) Err() *ErrorInfo {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.errInfo
}

// Run executes the task on the calling goroutine; callers start it with
// `go call.Run(ctx)`. The outcome becomes exactly one success or error
// event. Run only executes once; later calls return immediately.
func (c *Call) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.taskCancel = cancel

	taskCtx = WithCall(taskCtx, c)
	taskCtx = log.WithSink(taskCtx, c.Logger())

	go c.routeInput()
	defer c.push(finished)

	log.Debug(log.CatCall, "call started", "call", c.id, "task", c.name)

	result, err := c.invoke(taskCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) && c.Cancelled() && !errors.Is(err, ErrCancelled) {
			err = &CancelledError{CallID: c.id, Cause: err}
		}
		info := describe(err, c.expected)
		c.errMu.Lock()
		c.errInfo = info
		c.errMu.Unlock()

		log.Debug(log.CatCall, "call failed", "call", c.id, "error_type", info.Type, "expected", info.Expected)
		if _, emitErr := c.EmitUnchecked(EventError, info.Fields()); emitErr != nil {
			log.ErrorErr(log.CatCall, "could not report failure", emitErr, "call", c.id)
		}
		return
	}

	log.Debug(log.CatCall, "call succeeded", "call", c.id)
	if _, emitErr := c.EmitUnchecked(EventSuccess, Fields{"data": result}); emitErr != nil {
		log.ErrorErr(log.CatCall, "could not report success", emitErr, "call", c.id)
	}
}

// invoke runs the task, turning a panic into a *PanicError.
func (c *Call) invoke(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.task(ctx, c)
}

// Emit sends an event of type typ, failing with a *CancelledError if the
// call has been interrupted. It returns the new event's id.
func (c *Call) Emit(typ EventType, fields Fields) (string, error) {
	return c.emit(typ, true, fields)
}

// EmitUnchecked sends an event even if the call has been interrupted.
// Terminal events use it so a finished task can always report.
func (c *Call) EmitUnchecked(typ EventType, fields Fields) (string, error) {
	return c.emit(typ, false, fields)
}

func (c *Call) emit(typ EventType, checkCancel bool, fields Fields) (string, error) {
	if checkCancel {
		if err := c.AssertNotCancelled(); err != nil {
			return "", err
		}
	}

	merged := make(Fields, len(c.stamp)+len(fields))
	for k, v := range c.stamp {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	event := Event{
		CallID:  c.id,
		Type:    typ,
		EventID: uuid.NewString(),
		Fields:  merged,
	}

	select {
	case <-c.closed:
		return "", ErrCallClosed
	default:
	}

	select {
	case c.output <- event:
		return event.EventID, nil
	case <-c.closed:
		return "", ErrCallClosed
	}
}

// AssertNotCancelled returns a *CancelledError once the call is interrupted.
func (c *Call) AssertNotCancelled() error {
	if c.cancelled.Load() {
		return &CancelledError{CallID: c.id}
	}
	return nil
}

// WaitForResponse blocks until a Response for eventID arrives. It re-checks
// for cancellation at least once per poll interval, so an interrupt unblocks
// it promptly. A timeout <= 0 waits without an overall limit.
func (c *Call) WaitForResponse(ctx context.Context, eventID string, timeout time.Duration) (Response, error) {
	ch, _ := c.responseChannel(eventID)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-deadline:
			return Response{}, fmt.Errorf("event %s: %w", eventID, ErrResponseTimeout)
		case <-ctx.Done():
			if err := c.AssertNotCancelled(); err != nil {
				return Response{}, err
			}
			return Response{}, ctx.Err()
		case <-ticker.C:
		case <-c.cancelCh:
		}
		if err := c.AssertNotCancelled(); err != nil {
			return Response{}, err
		}
	}
}

// Input delivers a response from the controller to the task.
func (c *Call) Input(resp Response) {
	c.push(resp)
}

// Interrupt asks the call to stop at its next cancellation checkpoint.
func (c *Call) Interrupt() {
	c.push(interrupted)
}

// push queues an item for the input router. Items pushed after the router
// has stopped are dropped with a warning.
func (c *Call) push(item any) bool {
	select {
	case <-c.routerDone:
		c.dropInput(item)
		return false
	default:
	}

	select {
	case c.input <- item:
		return true
	case <-c.routerDone:
		c.dropInput(item)
		return false
	}
}

func (c *Call) dropInput(item any) {
	if item == finished {
		return
	}
	log.Warn(log.CatRouter, "input after router stopped", "call", c.id, "item", fmt.Sprintf("%v", item))
}

// Close retires the call. Emits blocked on a full event channel return
// ErrCallClosed from then on.
func (c *Call) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Ask emits a question with schema and waits for its answer.
func (c *Call) Ask(ctx context.Context, schema any) (map[string]any, error) {
	id, err := c.Emit(EventQuestion, Fields{"schema": schema})
	if err != nil {
		return nil, err
	}
	resp, err := c.WaitForResponse(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	answer, ok := resp.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("answer to %s has unexpected type %T", id, resp.Data)
	}
	return answer, nil
}

// ProgressStart emits a progressStart event.
func (c *Call) ProgressStart(message string) error {
	_, err := c.Emit(EventProgressStart, Fields{"message": message})
	return err
}

// Progress emits a progress event; fraction is clamped to [0, 1].
func (c *Call) Progress(message string, fraction float64) error {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	_, err := c.Emit(EventProgress, Fields{"message": message, "fraction": fraction})
	return err
}

// ProgressEnd emits a progressEnd event.
func (c *Call) ProgressEnd(message string) error {
	_, err := c.Emit(EventProgressEnd, Fields{"message": message})
	return err
}
