package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "insight-cli/client"

// Span attributes set on every remote call.
var (
	AttrEndpoint   = attribute.Key("insight.endpoint")
	AttrMethod     = attribute.Key("insight.http.method")
	AttrStatusCode = attribute.Key("insight.http.status_code")
	AttrRequestID  = attribute.Key("insight.request_id")
)

// Tracer opens one span per remote call. A nil *Tracer is valid and
// produces no-op spans, so callers never check whether tracing is on.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider; without an SDK installed the
// spans are dropped.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// StartSpan starts "insight.<name>" as a client span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "insight."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan marks span as failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
