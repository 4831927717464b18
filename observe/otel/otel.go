package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NetPo4ki/go-serial/serial"
)

const (
	EventQueued   = "serial.queued"
	EventStarted  = "serial.started"
	EventFinished = "serial.finished"
	EventSkipped  = "serial.skipped"
	EventRejected = "serial.rejected"
)

// Observer adds span events to the span found in each call's context.
// Calls without a recording span cost a context lookup and nothing more.
type Observer struct{}

var _ serial.Observer = (*Observer)(nil)

func New() *Observer { return &Observer{} }

func callAttrs(call serial.CallInfo, extra ...attribute.KeyValue) trace.EventOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("serial.queue", call.Queue),
		attribute.Int64("serial.seq", int64(call.Seq)),
	}, extra...)
	return trace.WithAttributes(attrs...)
}

func (*Observer) CallQueued(ctx context.Context, call serial.CallInfo, pending int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventQueued, callAttrs(call, attribute.Int("serial.pending", pending)))
}

func (*Observer) CallStarted(ctx context.Context, call serial.CallInfo, wait time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventStarted, callAttrs(call, attribute.Int64("serial.wait_ms", wait.Milliseconds())))
}

func (*Observer) CallFinished(ctx context.Context, call serial.CallInfo, dur time.Duration, err error, panicked bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventFinished, callAttrs(call,
		attribute.Int64("serial.duration_ms", dur.Milliseconds()),
		attribute.Bool("serial.panicked", panicked),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if panicked {
		span.SetStatus(codes.Error, "panic")
	}
}

func (*Observer) CallSkipped(ctx context.Context, call serial.CallInfo, cause error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventSkipped, callAttrs(call, attribute.String("serial.cause", cause.Error())))
}

func (*Observer) CallRejected(ctx context.Context, call serial.CallInfo, reason error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventRejected, callAttrs(call, attribute.String("serial.reason", reason.Error())))
	span.SetStatus(codes.Error, reason.Error())
}
