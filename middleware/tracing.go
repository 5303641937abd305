package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// tracerName is the instrumentation scope name for sequencer tracing.
const tracerName = "github.com/MouMou78/NeuroVitalityCRM-sub002"

// Tracing returns an interceptor that wraps advancement in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this interceptor becomes a
// pass-through with zero overhead.
//
// Span attributes include: sequent.enrollment.id, sequent.workflow.id,
// sequent.tenant_id, sequent.trigger. On error, the span status is set
// to codes.Error with the error message.
func Tracing() workflow.Interceptor {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) workflow.Interceptor {
	return func(next workflow.AdvanceFunc) workflow.AdvanceFunc {
		return func(ctx context.Context, enr *workflow.Enrollment, trigger workflow.Trigger) error {
			ctx, span := tracer.Start(ctx, "sequent.enrollment.advance",
				trace.WithAttributes(
					attribute.String("sequent.enrollment.id", enr.ID.String()),
					attribute.String("sequent.workflow.id", enr.WorkflowID.String()),
					attribute.String("sequent.tenant_id", enr.TenantID),
					attribute.String("sequent.trigger", string(trigger)),
				),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			err := next(ctx, enr, trigger)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}
