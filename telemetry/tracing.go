// OpenTelemetry tracing for publish ticks and API requests.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with fleetconf-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewNoopTracer()
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Publish Spans ---

// TickSpanOptions describes a finished publish tick.
type TickSpanOptions struct {
	Namespace string
	Clients   int
	Records   int
	Batches   int
	Failed    int
	Skipped   bool
}

// StartTickSpan starts a span for one publish tick.
func (t *Tracer) StartTickSpan(ctx context.Context, namespace string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "publish.tick", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("metrics.namespace", namespace))
	return ctx, span
}

// EndTickSpan ends a tick span. A tick with failed batches is marked as an
// error even though the publisher itself does not fail.
func (t *Tracer) EndTickSpan(span trace.Span, opts TickSpanOptions) {
	span.SetAttributes(
		attribute.Int("publish.clients", opts.Clients),
		attribute.Int("publish.records", opts.Records),
		attribute.Int("publish.batches", opts.Batches),
		attribute.Int("publish.batches_failed", opts.Failed),
		attribute.Bool("publish.skipped", opts.Skipped),
	)

	if opts.Failed > 0 {
		span.SetStatus(codes.Error, "some batches failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartBatchSpan starts a client span for one sink submission.
func (t *Tracer) StartBatchSpan(ctx context.Context, index, size int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "publish.batch", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.Int("batch.index", index),
		attribute.Int("batch.size", size),
	)
	return ctx, span
}

// EndBatchSpan ends a batch span.
func (t *Tracer) EndBatchSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Request Spans ---

// StartRequestSpan starts a server span for an API request, continuing any
// trace context in the request headers.
func (t *Tracer) StartRequestSpan(ctx context.Context, route string, headers propagation.TextMapCarrier) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, headers)
	ctx, span := t.tracer.Start(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("http.route", route))
	return ctx, span
}

// EndRequestSpan ends a request span with the response status.
func (t *Tracer) EndRequestSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
