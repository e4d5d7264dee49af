package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for drover spans.
var (
	AttrAgentID      = attribute.Key("drover.agent.id")
	AttrTaskID       = attribute.Key("drover.task.id")
	AttrToolName     = attribute.Key("drover.tool.name")
	AttrModel        = attribute.Key("drover.llm.model")
	AttrTokensInput  = attribute.Key("drover.llm.tokens.input")
	AttrTokensOutput = attribute.Key("drover.llm.tokens.output")
	AttrRunID        = attribute.Key("drover.run.id")
	AttrGraphStep    = attribute.Key("drover.graph.step")
	AttrSessionID    = attribute.Key("drover.session.id")
	AttrReasonCode   = attribute.Key("drover.task.reason_code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
