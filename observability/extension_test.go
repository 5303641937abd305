package observability_test

import (
	"context"
	"log/slog"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/ext"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/observability"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals
}

func TestMetricsExtensionCountsLifecycleEvents(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mx := observability.NewMetricsExtensionWithMeter(provider.Meter("test"))

	reg := ext.NewRegistry(slog.Default())
	reg.Register(mx)

	ctx := context.Background()
	evt := &event.Event{ID: id.NewEventID(), TenantID: "t1", Type: event.TypeEmailOpened}
	enr := &workflow.Enrollment{ID: id.NewEnrollmentID(), TenantID: "t1", Outcome: "unsubscribed"}

	reg.EmitEventIngested(ctx, evt)
	reg.EmitEventIngested(ctx, evt)
	reg.EmitEventDuplicate(ctx, "t1", "k")
	reg.EmitEnrollmentCreated(ctx, enr)
	reg.EmitEnrollmentStopped(ctx, enr)
	reg.EmitSweepCompleted(ctx, workflow.SweepResult{Due: 7, Advanced: 6, Failed: 1})

	totals := collect(t, reader)
	want := map[string]int64{
		"sequent.events.ingested":     2,
		"sequent.events.duplicate":    1,
		"sequent.enrollments.created": 1,
		"sequent.enrollments.stopped": 1,
		"sequent.sweep.due":           7,
		"sequent.sweep.failed":        1,
	}
	for name, count := range want {
		if totals[name] != count {
			t.Errorf("%s = %d, want %d", name, totals[name], count)
		}
	}
}
