package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/controller"
)

// CallTracer records each controlled call as one span with a span event per
// call event.
type CallTracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ controller.Observer = (*CallTracer)(nil)

// NewCallTracer creates a CallTracer using tracer.
func NewCallTracer(tracer trace.Tracer) *CallTracer {
	return &CallTracer{tracer: tracer, spans: make(map[string]trace.Span)}
}

// CallStarted opens the call span.
func (t *CallTracer) CallStarted(ctx context.Context, call *async.Call) {
	_, span := t.tracer.Start(ctx, SpanPrefixCall+call.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrCallID, call.ID()),
			attribute.String(AttrCallName, call.Name()),
		),
	)

	t.mu.Lock()
	t.spans[call.ID()] = span
	t.mu.Unlock()
}

// CallEvent adds ev to the call span.
func (t *CallTracer) CallEvent(call *async.Call, ev async.Event) {
	span := t.span(call.ID())
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrEventType, string(ev.Type)),
		attribute.String(AttrEventID, ev.EventID),
	}
	switch ev.Type {
	case async.EventLog:
		attrs = append(attrs, attribute.String(AttrEventLevel, ev.Level()))
	case async.EventProgress:
		if f, ok := ev.Fraction(); ok {
			attrs = append(attrs, attribute.Float64(AttrFraction, f))
		}
	}
	span.AddEvent(string(ev.Type), trace.WithAttributes(attrs...))
}

// CallFinished sets the span status and ends it.
func (t *CallTracer) CallFinished(call *async.Call, o controller.Outcome) {
	t.mu.Lock()
	span := t.spans[call.ID()]
	delete(t.spans, call.ID())
	t.mu.Unlock()
	if span == nil {
		return
	}

	span.SetAttributes(attribute.String(AttrCallStatus, string(o.Status)))
	if o.Error != nil {
		span.SetAttributes(
			attribute.String(AttrErrorType, o.Error.Type),
			attribute.String(AttrErrorMessage, o.Error.Message),
			attribute.Bool(AttrErrorExpected, o.Error.Expected),
		)
	}
	switch o.Status {
	case controller.StatusDone:
		span.SetStatus(codes.Ok, "")
	case controller.StatusCancelled:
		span.SetStatus(codes.Unset, "cancelled")
	default:
		msg := ""
		if o.Error != nil {
			msg = o.Error.Message
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

func (t *CallTracer) span(callID string) trace.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spans[callID]
}
