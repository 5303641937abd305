// Package ext defines the extension system for the sequencer.
// Extensions are notified of lifecycle events (event ingested, score
// changed, enrollment advanced, send queued, etc.) and can react to
// them — logging, metrics, tracing, audit trails.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ── Event lifecycle hooks ─────────────────────────

// EventIngested is called after a new event is durably stored.
type EventIngested interface {
	OnEventIngested(ctx context.Context, evt *event.Event) error
}

// EventDuplicate is called when an ingestion is discarded as a
// duplicate delivery.
type EventDuplicate interface {
	OnEventDuplicate(ctx context.Context, tenantID, dedupeKey string) error
}

// ScoreChanged is called after a non-zero score delta is applied.
type ScoreChanged interface {
	OnScoreChanged(ctx context.Context, tenantID, entityID string, delta float64, newScore int, tier score.Tier) error
}

// ── Enrollment lifecycle hooks ────────────────────

// EnrollmentCreated is called after a lead is enrolled in a workflow.
type EnrollmentCreated interface {
	OnEnrollmentCreated(ctx context.Context, enr *workflow.Enrollment) error
}

// EnrollmentAdvanced is called after each persisted node transition.
type EnrollmentAdvanced interface {
	OnEnrollmentAdvanced(ctx context.Context, enr *workflow.Enrollment, fromNode, toNode string) error
}

// EnrollmentCompleted is called when an enrollment runs off its graph.
type EnrollmentCompleted interface {
	OnEnrollmentCompleted(ctx context.Context, enr *workflow.Enrollment) error
}

// EnrollmentStopped is called when an enrollment hits a stop node or is
// stopped externally.
type EnrollmentStopped interface {
	OnEnrollmentStopped(ctx context.Context, enr *workflow.Enrollment) error
}

// SendPending is called after a send node queues its intent.
type SendPending interface {
	OnSendPending(ctx context.Context, enr *workflow.Enrollment, intent workflow.SendIntent) error
}

// SendSuppressed is called when the ledger blocks a send.
type SendSuppressed interface {
	OnSendSuppressed(ctx context.Context, enr *workflow.Enrollment, address string, reason suppression.Reason) error
}

// NotifyEmitted is called after a notify node delivers its alert.
type NotifyEmitted interface {
	OnNotifyEmitted(ctx context.Context, enr *workflow.Enrollment, channel, message string) error
}

// ── Nurture lifecycle hooks ───────────────────────

// NurtureEnrolled is called when a lead moves onto the nurture track.
type NurtureEnrolled interface {
	OnNurtureEnrolled(ctx context.Context, n *nurture.Enrollment) error
}

// NurtureReentry is called when a nurtured lead re-enters active
// sequencing.
type NurtureReentry interface {
	OnNurtureReentry(ctx context.Context, n *nurture.Enrollment, reason string) error
}

// NurtureArchived is called when an inactive nurture lead is archived.
type NurtureArchived interface {
	OnNurtureArchived(ctx context.Context, n *nurture.Enrollment) error
}

// ── Other lifecycle hooks ─────────────────────────

// SweepCompleted is called after each due-enrollment sweep.
type SweepCompleted interface {
	OnSweepCompleted(ctx context.Context, result workflow.SweepResult) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
