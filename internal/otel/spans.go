package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for sessiond spans.
var (
	AttrSessionID    = attribute.Key("sessiond.session.id")
	AttrExecutionID  = attribute.Key("sessiond.execution.id")
	AttrSessionMode  = attribute.Key("sessiond.session.mode")
	AttrTurnID       = attribute.Key("sessiond.turn.id")
	AttrToolName     = attribute.Key("sessiond.tool.name")
	AttrToolUseID    = attribute.Key("sessiond.tool.use_id")
	AttrHookPoint    = attribute.Key("sessiond.hook.point")
	AttrModel        = attribute.Key("sessiond.llm.model")
	AttrTokensInput  = attribute.Key("sessiond.llm.tokens.input")
	AttrTokensOutput = attribute.Key("sessiond.llm.tokens.output")
	AttrAttempt      = attribute.Key("sessiond.task.attempt")
	AttrScheduleID   = attribute.Key("sessiond.schedule.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (live API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (model runtime, hooks).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
