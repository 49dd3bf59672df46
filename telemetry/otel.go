package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "delegate.run/engine"

// OtelMetrics records counters and histograms through the global OTEL
// MeterProvider. Configure the provider (e.g. via clue.ConfigureOpenTelemetry
// or an OTLP exporter) before constructing one.
type OtelMetrics struct {
	meter metric.Meter
}

// NewOtelMetrics constructs a Metrics recorder backed by OTEL metrics.
func NewOtelMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

// IncCounter increments a named counter by value, tagged with the given
// (key, value, key, value, ...) pairs.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordHistogram records a value into a named histogram, tagged with the
// given (key, value, key, value, ...) pairs.
func (m *OtelMetrics) RecordHistogram(name string, value float64, tags ...string) {
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// OtelTracer starts spans through the global OTEL TracerProvider.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer constructs a Tracer backed by OTEL tracing.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

// StartSpan starts a new span named name, returning the span-scoped context
// and the span handle.
func (t *OtelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := t.tracer.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(toAttr(key, value))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}

// tagsToAttrs pairs consecutive tag strings (k1, v1, k2, v2, ...) into OTEL
// attributes. If tags has an odd length, the last key is paired with an
// empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		k := tags[i]
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func toAttr(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, "")
	}
}
