package telemetry

import "context"

type (
	// NoopLogger discards all log lines. It is the default when no Logger is
	// configured.
	NoopLogger struct{}

	// NoopMetrics discards all metrics. It is the default when no Metrics
	// recorder is configured.
	NoopMetrics struct{}

	// NoopTracer produces spans that do nothing. It is the default when no
	// Tracer is configured.
	NoopTracer struct{}

	noopSpan struct{}
)

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)      {}
func (NoopMetrics) RecordHistogram(string, float64, ...string) {}

func (NoopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}
