package middleware

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

func TestMetricsRecordsDurationAndCount(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	ok := func(_ context.Context, _ *workflow.Enrollment, _ workflow.Trigger) error { return nil }
	failing := func(_ context.Context, _ *workflow.Enrollment, _ workflow.Trigger) error {
		return errors.New("broke")
	}

	mw := MetricsWithMeter(meter)
	enr := testEnrollment()
	ctx := context.Background()

	if err := workflow.Chain(ok, mw)(ctx, enr, workflow.TriggerEvent); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := workflow.Chain(failing, mw)(ctx, enr, workflow.TriggerEvent); err == nil {
		t.Fatal("expected error to pass through")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name == "sequent.advance.count" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("advance.count data type = %T", m.Data)
				}
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				if total != 2 {
					t.Errorf("advance.count total = %d, want 2", total)
				}
			}
		}
	}
	if !found["sequent.advance.duration"] || !found["sequent.advance.count"] {
		t.Errorf("instruments recorded = %v, want duration and count", found)
	}
}
