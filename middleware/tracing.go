package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/readwell/enrich/job"
)

// tracerName is the instrumentation scope name for enrichment tracing.
const tracerName = "github.com/readwell/enrich"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: enrich.job.id, enrich.job.type, enrich.job.url,
// enrich.job.attempt, enrich.publisher.id. On error, the span status is set
// to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "enrich.job.execute",
			trace.WithAttributes(
				attribute.String("enrich.job.id", j.ID.String()),
				attribute.String("enrich.job.type", string(j.JobType)),
				attribute.String("enrich.job.url", j.TargetURL),
				attribute.Int("enrich.job.attempt", j.AttemptCount),
				attribute.String("enrich.publisher.id", j.PublisherID.String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
