package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger satisfies Logger while dropping every message. Constructors
	// substitute it when no logger is configured.
	NoopLogger struct{}

	// NoopMetrics satisfies Metrics while dropping every measurement.
	NoopMetrics struct{}

	// NoopTracer satisfies Tracer with spans that record nothing and leave the
	// context untouched.
	NoopTracer struct{}

	// noopSpan is the span handed out by NoopTracer.
	noopSpan struct{}
)

// NewNoopLogger returns the discard logger.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewNoopMetrics returns the discard metrics recorder.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// NewNoopTracer returns the discard tracer.
func NewNoopTracer() Tracer {
	return NoopTracer{}
}

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the gauge metric.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

// Start returns a no-op span without modifying the context.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

// Span returns a no-op span.
func (NoopTracer) Span(context.Context) Span {
	return noopSpan{}
}

// End is a no-op.
func (noopSpan) End(...trace.SpanEndOption) {}

// AddEvent is a no-op.
func (noopSpan) AddEvent(string, ...any) {}

// SetStatus is a no-op.
func (noopSpan) SetStatus(codes.Code, string) {}

// RecordError is a no-op.
func (noopSpan) RecordError(error, ...trace.EventOption) {}
