// Package observability provides an OpenTelemetry-based metrics
// extension for the sequencer. The MetricsExtension implements lifecycle
// hooks to record system-wide counters for ingestion, scoring,
// enrollment, send, and nurture events.
//
// For per-advancement tracing and latency histograms, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/ext"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/MouMou78/NeuroVitalityCRM-sub002/observability"

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.EventIngested       = (*MetricsExtension)(nil)
	_ ext.EventDuplicate      = (*MetricsExtension)(nil)
	_ ext.ScoreChanged        = (*MetricsExtension)(nil)
	_ ext.EnrollmentCreated   = (*MetricsExtension)(nil)
	_ ext.EnrollmentCompleted = (*MetricsExtension)(nil)
	_ ext.EnrollmentStopped   = (*MetricsExtension)(nil)
	_ ext.SendPending         = (*MetricsExtension)(nil)
	_ ext.SendSuppressed      = (*MetricsExtension)(nil)
	_ ext.NurtureEnrolled     = (*MetricsExtension)(nil)
	_ ext.NurtureReentry      = (*MetricsExtension)(nil)
	_ ext.NurtureArchived     = (*MetricsExtension)(nil)
	_ ext.SweepCompleted      = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters. Register it
// as an extension to track ingestion rates, duplicate discards, score
// changes, enrollment outcomes, send volume, suppression hits, and
// nurture track movement.
type MetricsExtension struct {
	eventsIngested   metric.Int64Counter
	eventsDuplicate  metric.Int64Counter
	scoreChanges     metric.Int64Counter
	enrollments      metric.Int64Counter
	completions      metric.Int64Counter
	stops            metric.Int64Counter
	sendsPending     metric.Int64Counter
	sendsSuppressed  metric.Int64Counter
	nurtureEnrolled  metric.Int64Counter
	nurtureReentries metric.Int64Counter
	nurtureArchived  metric.Int64Counter
	sweepDue         metric.Int64Counter
	sweepFailed      metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this variant to inject a test MeterProvider.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// Instrument creation errors fall back to noops per the OTel API
	// contract.
	m := &MetricsExtension{}
	m.eventsIngested, _ = meter.Int64Counter("sequent.events.ingested",
		metric.WithDescription("Events durably stored"), metric.WithUnit("{event}"))
	m.eventsDuplicate, _ = meter.Int64Counter("sequent.events.duplicate",
		metric.WithDescription("Ingestions discarded as duplicate deliveries"), metric.WithUnit("{event}"))
	m.scoreChanges, _ = meter.Int64Counter("sequent.score.changes",
		metric.WithDescription("Non-zero score deltas applied"), metric.WithUnit("{change}"))
	m.enrollments, _ = meter.Int64Counter("sequent.enrollments.created",
		metric.WithDescription("Workflow enrollments created"), metric.WithUnit("{enrollment}"))
	m.completions, _ = meter.Int64Counter("sequent.enrollments.completed",
		metric.WithDescription("Enrollments that ran off their graph"), metric.WithUnit("{enrollment}"))
	m.stops, _ = meter.Int64Counter("sequent.enrollments.stopped",
		metric.WithDescription("Enrollments terminated by a stop node or operator"), metric.WithUnit("{enrollment}"))
	m.sendsPending, _ = meter.Int64Counter("sequent.sends.pending",
		metric.WithDescription("Send intents queued"), metric.WithUnit("{send}"))
	m.sendsSuppressed, _ = meter.Int64Counter("sequent.sends.suppressed",
		metric.WithDescription("Sends blocked by the suppression ledger"), metric.WithUnit("{send}"))
	m.nurtureEnrolled, _ = meter.Int64Counter("sequent.nurture.enrolled",
		metric.WithDescription("Leads moved onto the nurture track"), metric.WithUnit("{lead}"))
	m.nurtureReentries, _ = meter.Int64Counter("sequent.nurture.reentries",
		metric.WithDescription("Nurtured leads re-admitted to active sequencing"), metric.WithUnit("{lead}"))
	m.nurtureArchived, _ = meter.Int64Counter("sequent.nurture.archived",
		metric.WithDescription("Nurture leads archived for inactivity"), metric.WithUnit("{lead}"))
	m.sweepDue, _ = meter.Int64Counter("sequent.sweep.due",
		metric.WithDescription("Enrollments picked up by scheduled sweeps"), metric.WithUnit("{enrollment}"))
	m.sweepFailed, _ = meter.Int64Counter("sequent.sweep.failed",
		metric.WithDescription("Sweep advancements that failed"), metric.WithUnit("{enrollment}"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func tenantAttr(tenantID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("tenant_id", tenantID))
}

// ── Event lifecycle hooks ───────────────────────────

// OnEventIngested implements ext.EventIngested.
func (m *MetricsExtension) OnEventIngested(ctx context.Context, evt *event.Event) error {
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", evt.TenantID),
		attribute.String("event_type", string(evt.Type)),
	))
	return nil
}

// OnEventDuplicate implements ext.EventDuplicate.
func (m *MetricsExtension) OnEventDuplicate(ctx context.Context, tenantID, _ string) error {
	m.eventsDuplicate.Add(ctx, 1, tenantAttr(tenantID))
	return nil
}

// OnScoreChanged implements ext.ScoreChanged.
func (m *MetricsExtension) OnScoreChanged(ctx context.Context, tenantID, _ string, _ float64, _ int, tier score.Tier) error {
	m.scoreChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("tier", string(tier)),
	))
	return nil
}

// ── Enrollment lifecycle hooks ──────────────────────

// OnEnrollmentCreated implements ext.EnrollmentCreated.
func (m *MetricsExtension) OnEnrollmentCreated(ctx context.Context, enr *workflow.Enrollment) error {
	m.enrollments.Add(ctx, 1, tenantAttr(enr.TenantID))
	return nil
}

// OnEnrollmentCompleted implements ext.EnrollmentCompleted.
func (m *MetricsExtension) OnEnrollmentCompleted(ctx context.Context, enr *workflow.Enrollment) error {
	m.completions.Add(ctx, 1, tenantAttr(enr.TenantID))
	return nil
}

// OnEnrollmentStopped implements ext.EnrollmentStopped.
func (m *MetricsExtension) OnEnrollmentStopped(ctx context.Context, enr *workflow.Enrollment) error {
	m.stops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", enr.TenantID),
		attribute.String("outcome", enr.Outcome),
	))
	return nil
}

// OnSendPending implements ext.SendPending.
func (m *MetricsExtension) OnSendPending(ctx context.Context, enr *workflow.Enrollment, _ workflow.SendIntent) error {
	m.sendsPending.Add(ctx, 1, tenantAttr(enr.TenantID))
	return nil
}

// OnSendSuppressed implements ext.SendSuppressed.
func (m *MetricsExtension) OnSendSuppressed(ctx context.Context, enr *workflow.Enrollment, _ string, reason suppression.Reason) error {
	m.sendsSuppressed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", enr.TenantID),
		attribute.String("reason", string(reason)),
	))
	return nil
}

// ── Nurture lifecycle hooks ─────────────────────────

// OnNurtureEnrolled implements ext.NurtureEnrolled.
func (m *MetricsExtension) OnNurtureEnrolled(ctx context.Context, n *nurture.Enrollment) error {
	m.nurtureEnrolled.Add(ctx, 1, tenantAttr(n.TenantID))
	return nil
}

// OnNurtureReentry implements ext.NurtureReentry.
func (m *MetricsExtension) OnNurtureReentry(ctx context.Context, n *nurture.Enrollment, _ string) error {
	m.nurtureReentries.Add(ctx, 1, tenantAttr(n.TenantID))
	return nil
}

// OnNurtureArchived implements ext.NurtureArchived.
func (m *MetricsExtension) OnNurtureArchived(ctx context.Context, n *nurture.Enrollment) error {
	m.nurtureArchived.Add(ctx, 1, tenantAttr(n.TenantID))
	return nil
}

// ── Other lifecycle hooks ───────────────────────────

// OnSweepCompleted implements ext.SweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(ctx context.Context, result workflow.SweepResult) error {
	m.sweepDue.Add(ctx, int64(result.Due))
	m.sweepFailed.Add(ctx, int64(result.Failed))
	return nil
}
