package ext

import (
	"context"
	"log/slog"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type eventIngestedEntry struct {
	name string
	hook EventIngested
}

type eventDuplicateEntry struct {
	name string
	hook EventDuplicate
}

type scoreChangedEntry struct {
	name string
	hook ScoreChanged
}

type enrollmentCreatedEntry struct {
	name string
	hook EnrollmentCreated
}

type enrollmentAdvancedEntry struct {
	name string
	hook EnrollmentAdvanced
}

type enrollmentCompletedEntry struct {
	name string
	hook EnrollmentCompleted
}

type enrollmentStoppedEntry struct {
	name string
	hook EnrollmentStopped
}

type sendPendingEntry struct {
	name string
	hook SendPending
}

type sendSuppressedEntry struct {
	name string
	hook SendSuppressed
}

type notifyEmittedEntry struct {
	name string
	hook NotifyEmitted
}

type nurtureEnrolledEntry struct {
	name string
	hook NurtureEnrolled
}

type nurtureReentryEntry struct {
	name string
	hook NurtureReentry
}

type nurtureArchivedEntry struct {
	name string
	hook NurtureArchived
}

type sweepCompletedEntry struct {
	name string
	hook SweepCompleted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	eventIngested       []eventIngestedEntry
	eventDuplicate      []eventDuplicateEntry
	scoreChanged        []scoreChangedEntry
	enrollmentCreated   []enrollmentCreatedEntry
	enrollmentAdvanced  []enrollmentAdvancedEntry
	enrollmentCompleted []enrollmentCompletedEntry
	enrollmentStopped   []enrollmentStoppedEntry
	sendPending         []sendPendingEntry
	sendSuppressed      []sendSuppressedEntry
	notifyEmitted       []notifyEmittedEntry
	nurtureEnrolled     []nurtureEnrolledEntry
	nurtureReentry      []nurtureReentryEntry
	nurtureArchived     []nurtureArchivedEntry
	sweepCompleted      []sweepCompletedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

var (
	_ event.Emitter    = (*Registry)(nil)
	_ score.Emitter    = (*Registry)(nil)
	_ workflow.Emitter = (*Registry)(nil)
	_ nurture.Emitter  = (*Registry)(nil)
)

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(EventIngested); ok {
		r.eventIngested = append(r.eventIngested, eventIngestedEntry{name, h})
	}
	if h, ok := e.(EventDuplicate); ok {
		r.eventDuplicate = append(r.eventDuplicate, eventDuplicateEntry{name, h})
	}
	if h, ok := e.(ScoreChanged); ok {
		r.scoreChanged = append(r.scoreChanged, scoreChangedEntry{name, h})
	}
	if h, ok := e.(EnrollmentCreated); ok {
		r.enrollmentCreated = append(r.enrollmentCreated, enrollmentCreatedEntry{name, h})
	}
	if h, ok := e.(EnrollmentAdvanced); ok {
		r.enrollmentAdvanced = append(r.enrollmentAdvanced, enrollmentAdvancedEntry{name, h})
	}
	if h, ok := e.(EnrollmentCompleted); ok {
		r.enrollmentCompleted = append(r.enrollmentCompleted, enrollmentCompletedEntry{name, h})
	}
	if h, ok := e.(EnrollmentStopped); ok {
		r.enrollmentStopped = append(r.enrollmentStopped, enrollmentStoppedEntry{name, h})
	}
	if h, ok := e.(SendPending); ok {
		r.sendPending = append(r.sendPending, sendPendingEntry{name, h})
	}
	if h, ok := e.(SendSuppressed); ok {
		r.sendSuppressed = append(r.sendSuppressed, sendSuppressedEntry{name, h})
	}
	if h, ok := e.(NotifyEmitted); ok {
		r.notifyEmitted = append(r.notifyEmitted, notifyEmittedEntry{name, h})
	}
	if h, ok := e.(NurtureEnrolled); ok {
		r.nurtureEnrolled = append(r.nurtureEnrolled, nurtureEnrolledEntry{name, h})
	}
	if h, ok := e.(NurtureReentry); ok {
		r.nurtureReentry = append(r.nurtureReentry, nurtureReentryEntry{name, h})
	}
	if h, ok := e.(NurtureArchived); ok {
		r.nurtureArchived = append(r.nurtureArchived, nurtureArchivedEntry{name, h})
	}
	if h, ok := e.(SweepCompleted); ok {
		r.sweepCompleted = append(r.sweepCompleted, sweepCompletedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ── Event emitters ────────────────────────────────

// EmitEventIngested notifies all extensions that implement EventIngested.
func (r *Registry) EmitEventIngested(ctx context.Context, evt *event.Event) {
	for _, e := range r.eventIngested {
		if err := e.hook.OnEventIngested(ctx, evt); err != nil {
			r.logHookError("OnEventIngested", e.name, err)
		}
	}
}

// EmitEventDuplicate notifies all extensions that implement EventDuplicate.
func (r *Registry) EmitEventDuplicate(ctx context.Context, tenantID, dedupeKey string) {
	for _, e := range r.eventDuplicate {
		if err := e.hook.OnEventDuplicate(ctx, tenantID, dedupeKey); err != nil {
			r.logHookError("OnEventDuplicate", e.name, err)
		}
	}
}

// EmitScoreChanged notifies all extensions that implement ScoreChanged.
func (r *Registry) EmitScoreChanged(ctx context.Context, tenantID, entityID string, delta float64, newScore int, tier score.Tier) {
	for _, e := range r.scoreChanged {
		if err := e.hook.OnScoreChanged(ctx, tenantID, entityID, delta, newScore, tier); err != nil {
			r.logHookError("OnScoreChanged", e.name, err)
		}
	}
}

// ── Enrollment emitters ───────────────────────────

// EmitEnrollmentCreated notifies all extensions that implement EnrollmentCreated.
func (r *Registry) EmitEnrollmentCreated(ctx context.Context, enr *workflow.Enrollment) {
	for _, e := range r.enrollmentCreated {
		if err := e.hook.OnEnrollmentCreated(ctx, enr); err != nil {
			r.logHookError("OnEnrollmentCreated", e.name, err)
		}
	}
}

// EmitEnrollmentAdvanced notifies all extensions that implement EnrollmentAdvanced.
func (r *Registry) EmitEnrollmentAdvanced(ctx context.Context, enr *workflow.Enrollment, fromNode, toNode string) {
	for _, e := range r.enrollmentAdvanced {
		if err := e.hook.OnEnrollmentAdvanced(ctx, enr, fromNode, toNode); err != nil {
			r.logHookError("OnEnrollmentAdvanced", e.name, err)
		}
	}
}

// EmitEnrollmentCompleted notifies all extensions that implement EnrollmentCompleted.
func (r *Registry) EmitEnrollmentCompleted(ctx context.Context, enr *workflow.Enrollment) {
	for _, e := range r.enrollmentCompleted {
		if err := e.hook.OnEnrollmentCompleted(ctx, enr); err != nil {
			r.logHookError("OnEnrollmentCompleted", e.name, err)
		}
	}
}

// EmitEnrollmentStopped notifies all extensions that implement EnrollmentStopped.
func (r *Registry) EmitEnrollmentStopped(ctx context.Context, enr *workflow.Enrollment) {
	for _, e := range r.enrollmentStopped {
		if err := e.hook.OnEnrollmentStopped(ctx, enr); err != nil {
			r.logHookError("OnEnrollmentStopped", e.name, err)
		}
	}
}

// EmitSendPending notifies all extensions that implement SendPending.
func (r *Registry) EmitSendPending(ctx context.Context, enr *workflow.Enrollment, intent workflow.SendIntent) {
	for _, e := range r.sendPending {
		if err := e.hook.OnSendPending(ctx, enr, intent); err != nil {
			r.logHookError("OnSendPending", e.name, err)
		}
	}
}

// EmitSendSuppressed notifies all extensions that implement SendSuppressed.
func (r *Registry) EmitSendSuppressed(ctx context.Context, enr *workflow.Enrollment, address string, reason suppression.Reason) {
	for _, e := range r.sendSuppressed {
		if err := e.hook.OnSendSuppressed(ctx, enr, address, reason); err != nil {
			r.logHookError("OnSendSuppressed", e.name, err)
		}
	}
}

// EmitNotifyEmitted notifies all extensions that implement NotifyEmitted.
func (r *Registry) EmitNotifyEmitted(ctx context.Context, enr *workflow.Enrollment, channel, message string) {
	for _, e := range r.notifyEmitted {
		if err := e.hook.OnNotifyEmitted(ctx, enr, channel, message); err != nil {
			r.logHookError("OnNotifyEmitted", e.name, err)
		}
	}
}

// ── Nurture emitters ──────────────────────────────

// EmitNurtureEnrolled notifies all extensions that implement NurtureEnrolled.
func (r *Registry) EmitNurtureEnrolled(ctx context.Context, n *nurture.Enrollment) {
	for _, e := range r.nurtureEnrolled {
		if err := e.hook.OnNurtureEnrolled(ctx, n); err != nil {
			r.logHookError("OnNurtureEnrolled", e.name, err)
		}
	}
}

// EmitNurtureReentry notifies all extensions that implement NurtureReentry.
func (r *Registry) EmitNurtureReentry(ctx context.Context, n *nurture.Enrollment, reason string) {
	for _, e := range r.nurtureReentry {
		if err := e.hook.OnNurtureReentry(ctx, n, reason); err != nil {
			r.logHookError("OnNurtureReentry", e.name, err)
		}
	}
}

// EmitNurtureArchived notifies all extensions that implement NurtureArchived.
func (r *Registry) EmitNurtureArchived(ctx context.Context, n *nurture.Enrollment) {
	for _, e := range r.nurtureArchived {
		if err := e.hook.OnNurtureArchived(ctx, n); err != nil {
			r.logHookError("OnNurtureArchived", e.name, err)
		}
	}
}

// ── Other emitters ────────────────────────────────

// EmitSweepCompleted notifies all extensions that implement SweepCompleted.
func (r *Registry) EmitSweepCompleted(ctx context.Context, result workflow.SweepResult) {
	for _, e := range r.sweepCompleted {
		if err := e.hook.OnSweepCompleted(ctx, result); err != nil {
			r.logHookError("OnSweepCompleted", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
