package async

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mobilipia/build-tools/internal/log"
)

// collect reads events until a terminal one arrives.
func collect(t require.TestingT, call *Call, timeout time.Duration) []Event {
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-call.Events():
			events = append(events, ev)
			if ev.Type.IsTerminal() {
				return events
			}
		case <-deadline:
			require.FailNow(t, "timed out waiting for terminal event", "got %d events", len(events))
			return nil
		}
	}
}

func nextEvent(t *testing.T, call *Call) Event {
	t.Helper()
	select {
	case ev := <-call.Events():
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
		return Event{}
	}
}

type valueError struct{ msg string }

func (e *valueError) Error() string { return e.msg }

type expectedError struct{}

func (expectedError) Error() string  { return "no project here" }
func (expectedError) Expected() bool { return true }

type serverError struct{}

func (serverError) Error() string { return "server said no" }
func (serverError) Extra() map[string]any {
	return map[string]any{"status_code": 400, "message": "ignored"}
}

func TestCall_SuccessEmitsSingleTerminalEvent(t *testing.T) {
	call := NewCall("answer", func(ctx context.Context, c *Call) (any, error) {
		return 42, nil
	})
	go call.Run(context.Background())

	events := collect(t, call, 2*time.Second)
	require.Len(t, events, 1)
	require.Equal(t, EventSuccess, events[0].Type)
	require.Equal(t, 42, events[0].Data())
	require.Equal(t, call.ID(), events[0].CallID)
	require.NotEmpty(t, events[0].EventID)

	<-call.Done()
	require.Nil(t, call.Err())
}

func TestCall_ErrorEventDescribesFailure(t *testing.T) {
	call := NewCall("fails", func(ctx context.Context, c *Call) (any, error) {
		return nil, &valueError{msg: "bad"}
	})
	go call.Run(context.Background())

	events := collect(t, call, 2*time.Second)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, EventError, ev.Type)
	require.Equal(t, "bad", ev.Message())
	require.Equal(t, "valueError", ev.ErrorType())
	require.False(t, ev.Expected())
	require.False(t, ev.Cancelled())
	require.Contains(t, ev.Traceback(), "bad")

	<-call.Done()
	require.NotNil(t, call.Err())
	require.Equal(t, "valueError", call.Err().Type)
}

func TestCall_WrappedErrorKeepsInnerType(t *testing.T) {
	call := NewCall("wrapped", func(ctx context.Context, c *Call) (any, error) {
		return nil, fmt.Errorf("building: %w", &valueError{msg: "bad"})
	})
	go call.Run(context.Background())

	ev := collect(t, call, 2*time.Second)[0]
	require.Equal(t, "valueError", ev.ErrorType())
	require.Equal(t, "building: bad", ev.Message())
}

func TestCall_PlainErrorType(t *testing.T) {
	call := NewCall("plain", func(ctx context.Context, c *Call) (any, error) {
		return nil, errors.New("boom")
	})
	go call.Run(context.Background())

	ev := collect(t, call, 2*time.Second)[0]
	require.Equal(t, "Error", ev.ErrorType())
}

func TestCall_ExpectedClassification(t *testing.T) {
	errNoProject := errors.New("no project")

	tests := []struct {
		name string
		err  error
		opts []Option
		want bool
	}{
		{name: "marker interface", err: expectedError{}, want: true},
		{name: "wrapped marker", err: fmt.Errorf("ctx: %w", expectedError{}), want: true},
		{name: "sentinel", err: fmt.Errorf("ctx: %w", errNoProject), opts: []Option{WithExpectedErrors(errNoProject)}, want: true},
		{name: "unmarked", err: errors.New("boom"), want: false},
		{name: "sentinel not registered", err: errNoProject, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := NewCall("classify", func(ctx context.Context, c *Call) (any, error) {
				return nil, tt.err
			}, tt.opts...)
			go call.Run(context.Background())

			ev := collect(t, call, 2*time.Second)[0]
			require.Equal(t, EventError, ev.Type)
			require.Equal(t, tt.want, ev.Expected())
		})
	}
}

func TestCall_ExtraFieldsDoNotOverrideStandardKeys(t *testing.T) {
	call := NewCall("extra", func(ctx context.Context, c *Call) (any, error) {
		return nil, serverError{}
	})
	go call.Run(context.Background())

	ev := collect(t, call, 2*time.Second)[0]
	require.Equal(t, 400, ev.Get("status_code"))
	require.Equal(t, "server said no", ev.Message())
}

func TestCall_PanicBecomesErrorEvent(t *testing.T) {
	call := NewCall("panics", func(ctx context.Context, c *Call) (any, error) {
		panic("kaboom")
	})
	go call.Run(context.Background())

	ev := collect(t, call, 2*time.Second)[0]
	require.Equal(t, EventError, ev.Type)
	require.Equal(t, "PanicError", ev.ErrorType())
	require.Contains(t, ev.Message(), "kaboom")
	require.Contains(t, ev.Traceback(), "goroutine")
	<-call.Done()
}

func TestCall_StampIsMergedIntoEvents(t *testing.T) {
	call := NewCall("stamped", func(ctx context.Context, c *Call) (any, error) {
		return nil, c.ProgressStart("go")
	}, WithStamp(Fields{"task": "build", "message": "overridden"}))
	go call.Run(context.Background())

	events := collect(t, call, 2*time.Second)
	require.Len(t, events, 2)
	require.Equal(t, "build", events[0].Get("task"))
	require.Equal(t, "go", events[0].Message())
	require.Equal(t, "build", events[1].Get("task"))
}

func TestCall_QuestionRoundTrip(t *testing.T) {
	call := NewCall("ask", func(ctx context.Context, c *Call) (any, error) {
		id, err := c.Emit(EventQuestion, Fields{"schema": map[string]any{}})
		if err != nil {
			return nil, err
		}
		resp, err := c.WaitForResponse(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		if resp.EventID != id {
			return nil, fmt.Errorf("got response for %s, want %s", resp.EventID, id)
		}
		return resp.Data, nil
	}, WithPollInterval(20*time.Millisecond))
	go call.Run(context.Background())

	q := nextEvent(t, call)
	require.Equal(t, EventQuestion, q.Type)
	call.Input(Response{EventID: q.EventID, Data: "alice"})

	ev := nextEvent(t, call)
	require.Equal(t, EventSuccess, ev.Type)
	require.Equal(t, "alice", ev.Data())
}

func TestCall_ResponseBeforeWait(t *testing.T) {
	proceed := make(chan struct{})
	call := NewCall("early", func(ctx context.Context, c *Call) (any, error) {
		id, err := c.Emit(EventQuestion, Fields{"schema": map[string]any{}})
		if err != nil {
			return nil, err
		}
		<-proceed
		resp, err := c.WaitForResponse(ctx, id, time.Second)
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	})
	go call.Run(context.Background())

	q := nextEvent(t, call)
	call.Input(Response{EventID: q.EventID, Data: "early bird"})
	// Give the router time to park the response before the task waits.
	require.Eventually(t, func() bool {
		ch, _ := call.responseChannel(q.EventID)
		return len(ch) == 1
	}, time.Second, 5*time.Millisecond)
	close(proceed)

	ev := nextEvent(t, call)
	require.Equal(t, EventSuccess, ev.Type)
	require.Equal(t, "early bird", ev.Data())
}

func TestCall_MalformedInputIsSkipped(t *testing.T) {
	call := NewCall("robust", func(ctx context.Context, c *Call) (any, error) {
		answer, err := c.Ask(ctx, map[string]any{})
		if err != nil {
			return nil, err
		}
		return answer["name"], nil
	})
	go call.Run(context.Background())

	q := nextEvent(t, call)
	call.push("not a response")
	call.push(42)
	call.Input(Response{Data: "missing id"})
	call.Input(Response{EventID: q.EventID, Data: map[string]any{"name": "bob"}})

	ev := nextEvent(t, call)
	require.Equal(t, EventSuccess, ev.Type)
	require.Equal(t, "bob", ev.Data())
}

func TestCall_InterruptUnblocksWaitWithinTwoTicks(t *testing.T) {
	tick := 100 * time.Millisecond
	call := NewCall("blocked", func(ctx context.Context, c *Call) (any, error) {
		id, err := c.Emit(EventQuestion, Fields{"schema": map[string]any{}})
		if err != nil {
			return nil, err
		}
		_, err = c.WaitForResponse(ctx, id, 0)
		return nil, err
	}, WithPollInterval(tick))
	go call.Run(context.Background())

	q := nextEvent(t, call)
	require.Equal(t, EventQuestion, q.Type)

	start := time.Now()
	call.Interrupt()

	ev := nextEvent(t, call)
	require.LessOrEqual(t, time.Since(start), 2*tick)
	require.Equal(t, EventError, ev.Type)
	require.True(t, ev.Cancelled())
	require.True(t, ev.Expected())
	require.Equal(t, "CancelledError", ev.ErrorType())

	<-call.Done()
	require.True(t, call.Cancelled())
}

func TestCall_InterruptStopsEmitsButTerminalStillArrives(t *testing.T) {
	started := make(chan struct{})
	call := NewCall("loop", func(ctx context.Context, c *Call) (any, error) {
		close(started)
		for {
			if err := c.Progress("working", 0.5); err != nil {
				return nil, err
			}
			time.Sleep(time.Millisecond)
		}
	})
	go call.Run(context.Background())

	<-started
	call.Interrupt()

	events := collect(t, call, 2*time.Second)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.True(t, last.Cancelled())
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventProgress, ev.Type)
	}
}

func TestCall_ContextAwareTaskIsReportedAsCancelled(t *testing.T) {
	call := NewCall("ctx", func(ctx context.Context, c *Call) (any, error) {
		if _, err := c.Emit(EventLog, Fields{"message": "waiting"}); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	go call.Run(context.Background())

	nextEvent(t, call)
	call.Interrupt()

	ev := nextEvent(t, call)
	require.Equal(t, EventError, ev.Type)
	require.True(t, ev.Cancelled())
	require.True(t, ev.Expected())
	require.Equal(t, "CancelledError", ev.ErrorType())
	require.Contains(t, ev.Message(), "context canceled")
	require.Contains(t, ev.Traceback(), "*async.CancelledError")
	require.Contains(t, ev.Traceback(), "context canceled")
}

func TestDescribe_CancelledWithCause(t *testing.T) {
	err := fmt.Errorf("downloading: %w", &CancelledError{CallID: "x", Cause: context.Canceled})

	info := describe(err, nil)
	require.Equal(t, "CancelledError", info.Type)
	require.True(t, info.Cancelled)
	require.True(t, info.Expected)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrCancelled)

	tb := strings.Split(strings.TrimSpace(info.Traceback), "\n")
	require.Equal(t, []string{
		"*fmt.wrapError: downloading: call x interrupted: got kill signal: context canceled",
		"  *async.CancelledError: call x interrupted: got kill signal: context canceled",
		"    *errors.errorString: got kill signal",
		"    *errors.errorString: context canceled",
	}, tb)
}

func TestDescribe_JoinedErrorsUseFirstTypedBranch(t *testing.T) {
	err := fmt.Errorf("%w: %w", errors.New("plain"), &valueError{msg: "bad"})

	info := describe(err, nil)
	require.Equal(t, "Error", info.Type)

	err = errors.Join(fmt.Errorf("step: %w", &valueError{msg: "bad"}), errors.New("other"))
	require.Equal(t, "valueError", describe(err, nil).Type)
}

func TestCall_EarlyResponseIsWarned(t *testing.T) {
	var global lines
	cleanup := log.InitWithWriter(&global)
	defer cleanup()

	proceed := make(chan struct{})
	call := NewCall("orphan", func(ctx context.Context, c *Call) (any, error) {
		<-proceed
		return nil, nil
	})
	go call.Run(context.Background())

	call.Input(Response{EventID: "nobody-waits", Data: "hi"})
	require.Eventually(t, func() bool {
		for _, line := range global.all() {
			if strings.Contains(line, "[WARN]") && strings.Contains(line, "response arrived before its waiter") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(proceed)
	collect(t, call, 2*time.Second)
}

func TestCall_WaitForResponseTimeout(t *testing.T) {
	call := NewCall("timeout", func(ctx context.Context, c *Call) (any, error) {
		_, err := c.WaitForResponse(ctx, "never", 30*time.Millisecond)
		return nil, err
	}, WithPollInterval(10*time.Millisecond))
	go call.Run(context.Background())

	<-call.Done()
	require.NotNil(t, call.Err())
	ev := nextEvent(t, call)
	require.Equal(t, EventError, ev.Type)
	require.Contains(t, ev.Message(), ErrResponseTimeout.Error())
}

func TestCall_InterruptAfterFinishIsHarmless(t *testing.T) {
	call := NewCall("quick", func(ctx context.Context, c *Call) (any, error) {
		return "ok", nil
	})
	go call.Run(context.Background())
	collect(t, call, 2*time.Second)
	<-call.Done()

	require.Eventually(t, func() bool {
		select {
		case <-call.routerDone:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	var global lines
	cleanup := log.InitWithWriter(&global)
	defer cleanup()

	call.Interrupt()
	call.Input(Response{EventID: "late"})
	require.False(t, call.Cancelled())

	warned := 0
	for _, line := range global.all() {
		if strings.Contains(line, "[WARN]") && strings.Contains(line, "input after router stopped") {
			warned++
		}
	}
	require.Equal(t, 2, warned)
}

func TestCall_RunOnlyOnce(t *testing.T) {
	runs := 0
	call := NewCall("once", func(ctx context.Context, c *Call) (any, error) {
		runs++
		return nil, nil
	})
	call.Run(context.Background())
	call.Run(context.Background())
	require.Equal(t, 1, runs)
}

func TestCall_CloseUnblocksFullOutput(t *testing.T) {
	call := NewCall("flood", func(ctx context.Context, c *Call) (any, error) {
		for i := 0; ; i++ {
			if err := c.Progress(fmt.Sprint(i), 0); err != nil {
				return nil, err
			}
		}
	}, WithOutputBuffer(1))
	go call.Run(context.Background())

	nextEvent(t, call)
	call.Close()

	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Run did not return after Close")
	}
	require.Equal(t, ErrCallClosed.Error(), call.Err().Message)
}

func TestCall_FromContext(t *testing.T) {
	call := NewCall("ctx", func(ctx context.Context, c *Call) (any, error) {
		got, ok := FromContext(ctx)
		require.True(t, ok)
		require.Same(t, c, got)
		return nil, nil
	})
	call.Run(context.Background())

	_, ok := FromContext(context.Background())
	require.False(t, ok)
}

func TestCall_LogBridge(t *testing.T) {
	var global lines
	cleanup := log.InitWithWriter(&global)
	defer cleanup()

	call := NewCall("logs", func(ctx context.Context, c *Call) (any, error) {
		log.Ctx(ctx).Info(log.CatTask, "compiling", "target", "android")
		c.Logger().Warn("slow disk")
		return nil, nil
	})
	go call.Run(context.Background())

	events := collect(t, call, 2*time.Second)
	require.Len(t, events, 3)
	require.Equal(t, EventLog, events[0].Type)
	require.Equal(t, "INFO", events[0].Level())
	require.Equal(t, "compiling target=android", events[0].Message())
	require.Equal(t, "WARN", events[1].Level())
	require.Equal(t, "slow disk", events[1].Message())

	for _, line := range global.all() {
		require.NotContains(t, line, "compiling")
	}
}

func TestLogger_FallsBackAfterInterrupt(t *testing.T) {
	var global lines
	cleanup := log.InitWithWriter(&global)
	defer cleanup()

	call := NewCall("late log", func(ctx context.Context, c *Call) (any, error) {
		return nil, nil
	})
	call.markCancelled()
	call.Logger().Info("after cancel")

	got := global.all()
	require.NotEmpty(t, got)
	require.Contains(t, got[len(got)-1], "after cancel")
}

func TestLineWriter(t *testing.T) {
	call := NewCall("lines", func(ctx context.Context, c *Call) (any, error) {
		w := c.Logger().Writer(log.LevelInfo)
		_, _ = w.Write([]byte("first\nsec"))
		_, _ = w.Write([]byte("ond\r\n\nthird"))
		w.Flush()
		return nil, nil
	})
	go call.Run(context.Background())

	events := collect(t, call, 2*time.Second)
	var messages []string
	for _, ev := range events {
		if ev.Type == EventLog {
			messages = append(messages, ev.Message())
		}
	}
	require.Equal(t, []string{"first", "second", "third"}, messages)
}

// Property: events reach the consumer in emission order, followed by exactly
// one terminal event.
func TestCall_EventOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		fail := rapid.Bool().Draw(rt, "fail")

		call := NewCall("ordered", func(ctx context.Context, c *Call) (any, error) {
			for i := 0; i < n; i++ {
				if err := c.Progress(fmt.Sprint(i), float64(i)/40); err != nil {
					return nil, err
				}
			}
			if fail {
				return nil, errors.New("failed")
			}
			return n, nil
		}, WithOutputBuffer(4))
		go call.Run(context.Background())

		events := collect(rt, call, 5*time.Second)
		require.Len(rt, events, n+1)
		for i := 0; i < n; i++ {
			require.Equal(rt, fmt.Sprint(i), events[i].Message())
		}
		terminal := 0
		for _, ev := range events {
			if ev.Type.IsTerminal() {
				terminal++
			}
		}
		require.Equal(rt, 1, terminal)
		if fail {
			require.Equal(rt, EventError, events[n].Type)
		} else {
			require.Equal(rt, EventSuccess, events[n].Type)
		}
	})
}

// Property: responses delivered in any order reach the waiter for their own
// event id.
func TestCall_ResponseCorrelationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		order := rapid.Permutation(indexes(n)).Draw(rt, "order")

		call := NewCall("correlated", func(ctx context.Context, c *Call) (any, error) {
			ids := make([]string, n)
			for i := range ids {
				id, err := c.Emit(EventQuestion, Fields{"index": i})
				if err != nil {
					return nil, err
				}
				ids[i] = id
			}
			got := make([]int, n)
			for i, id := range ids {
				resp, err := c.WaitForResponse(ctx, id, 5*time.Second)
				if err != nil {
					return nil, err
				}
				got[i] = resp.Data.(int)
			}
			return got, nil
		}, WithPollInterval(10*time.Millisecond))
		go call.Run(context.Background())

		questions := make([]Event, n)
		for i := range questions {
			select {
			case questions[i] = <-call.Events():
			case <-time.After(5 * time.Second):
				rt.Fatalf("timed out waiting for question %d", i)
			}
		}
		for _, i := range order {
			q := questions[i]
			call.Input(Response{EventID: q.EventID, Data: q.Get("index")})
		}

		events := collect(rt, call, 5*time.Second)
		require.Len(rt, events, 1)
		require.Equal(rt, EventSuccess, events[0].Type)
		require.Equal(rt, indexes(n), events[0].Data())
	})
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// lines records writes from the global logger.
type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, string(p))
	return len(p), nil
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}
