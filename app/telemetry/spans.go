package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span event names recorded on job spans.
const (
	EventProofRetry    = "proof.retry"
	EventProofFallback = "proof.fallback"
)

// StartJobSpan starts a span for one phase of a job's lifecycle.
func StartJobSpan(ctx context.Context, phase, jobID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "job."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.phase", phase),
		),
	)
}

// RecordError marks span failed with err. Nil spans and errors are ignored.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanStatus sets the final status of a span.
func SetSpanStatus(span trace.Span, success bool, message string) {
	if span == nil {
		return
	}
	if success {
		span.SetStatus(codes.Ok, message)
		return
	}
	span.SetStatus(codes.Error, message)
}

// MarkProofRetry notes a failed proving attempt on the span in ctx.
func MarkProofRetry(ctx context.Context, attempt, maxAttempts int, err error) {
	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.Int("proof.attempt", attempt),
		attribute.Int("proof.max_attempts", maxAttempts),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent(EventProofRetry, trace.WithAttributes(attrs...))
}

// MarkProofFallback notes that a job settles on a proof reused from sourceJobID.
func MarkProofFallback(ctx context.Context, modelID, sourceJobID string) {
	trace.SpanFromContext(ctx).AddEvent(EventProofFallback, trace.WithAttributes(
		attribute.String("job.model_id", modelID),
		attribute.String("proof.source_job_id", sourceJobID),
	))
}
