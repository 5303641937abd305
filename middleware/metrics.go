package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// meterName is the instrumentation scope name for sequencer metrics.
const meterName = "github.com/MouMou78/NeuroVitalityCRM-sub002"

// Metrics returns an interceptor that records per-advancement metrics
// using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this interceptor becomes a
// pass-through.
//
// Instruments:
//   - sequent.advance.duration (Float64Histogram): advancement time in
//     seconds, with attributes: tenant_id, trigger, status ("ok" or "error")
//   - sequent.advance.count (Int64Counter): total advancement calls,
//     with attributes: tenant_id, trigger, status ("ok" or "error")
func Metrics() workflow.Interceptor {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) workflow.Interceptor {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"sequent.advance.duration",
		metric.WithDescription("Duration of one enrollment advancement in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	count, cErr := meter.Int64Counter(
		"sequent.advance.count",
		metric.WithDescription("Total number of enrollment advancement calls"),
		metric.WithUnit("{advancement}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return func(next workflow.AdvanceFunc) workflow.AdvanceFunc {
		return func(ctx context.Context, enr *workflow.Enrollment, trigger workflow.Trigger) error {
			start := time.Now()
			err := next(ctx, enr, trigger)
			elapsed := time.Since(start).Seconds()

			status := "ok"
			if err != nil {
				status = "error"
			}

			attrs := metric.WithAttributes(
				attribute.String("tenant_id", enr.TenantID),
				attribute.String("trigger", string(trigger)),
				attribute.String("status", status),
			)

			duration.Record(ctx, elapsed, attrs)
			count.Add(ctx, 1, attrs)

			return err
		}
	}
}
