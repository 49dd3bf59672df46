// Package telemetry defines the logging, metrics, and tracing interfaces
// used throughout the delegation engine. Every component accepts a Logger,
// Metrics, and Tracer at construction time; nil values are replaced with
// no-op implementations so components never need nil checks at call sites.
package telemetry

import "context"

type (
	// Logger emits structured log lines with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and histograms for runtime operations (plan
	// retries, task attempts, escalations, tool invocations).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordHistogram(name string, value float64, tags ...string)
	}

	// Tracer starts spans around planner, tool, and model operations.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a single trace span. End must be called exactly once.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}
)

// Defaulted returns logger, metrics, and tracer, substituting no-op
// implementations for any nil argument. Every component constructor calls
// this so callers may omit observability wiring in tests.
func Defaulted(l Logger, m Metrics, t Tracer) (Logger, Metrics, Tracer) {
	if l == nil {
		l = NoopLogger{}
	}
	if m == nil {
		m = NoopMetrics{}
	}
	if t == nil {
		t = NoopTracer{}
	}
	return l, m, t
}
