package middleware

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

func TestTracingRecordsSpan(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	ok := func(_ context.Context, _ *workflow.Enrollment, _ workflow.Trigger) error { return nil }
	wrapped := workflow.Chain(ok, TracingWithTracer(tracer))

	if err := wrapped(context.Background(), testEnrollment(), workflow.TriggerEvent); err != nil {
		t.Fatalf("advance: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "sequent.enrollment.advance" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("span status = %v, want Ok", span.Status().Code)
	}
}

func TestTracingMarksErrorStatus(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	failing := func(_ context.Context, _ *workflow.Enrollment, _ workflow.Trigger) error {
		return errors.New("node broke")
	}
	wrapped := workflow.Chain(failing, TracingWithTracer(tracer))

	if err := wrapped(context.Background(), testEnrollment(), workflow.TriggerEvent); err == nil {
		t.Fatal("expected error")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}
