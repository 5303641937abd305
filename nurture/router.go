package nurture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Enroller is the slice of the workflow engine the router drives.
type Enroller interface {
	EnrollLead(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string, snapshot map[string]any) (*workflow.Enrollment, error)
	StopEnrollment(ctx context.Context, enrollmentID id.EnrollmentID, outcome string) error
}

// ScoreReader reports the current decayed score. score.Scorer satisfies
// this interface.
type ScoreReader interface {
	Current(ctx context.Context, tenantID, entityID string) (int, error)
}

// Emitter emits nurture lifecycle events. ext.Registry satisfies this
// interface.
type Emitter interface {
	EmitNurtureEnrolled(ctx context.Context, n *Enrollment)
	EmitNurtureReentry(ctx context.Context, n *Enrollment, reason string)
	EmitNurtureArchived(ctx context.Context, n *Enrollment)
}

// reentryScoreFloor is the decayed score at which a nurtured lead is
// pulled back into active sequencing.
const reentryScoreFloor = 60

// archiveBatchLimit bounds one archival sweep pass.
const archiveBatchLimit = 500

// reentryEvents are the event types that re-admit a nurtured lead
// regardless of score.
var reentryEvents = map[event.Type]bool{
	event.TypeEmailClicked: true,
	event.TypeSiteRevisit:  true,
	event.TypeManualTag:    true,
}

// Config tunes the router's policy knobs.
type Config struct {
	// NurtureWorkflowID is the workflow that delivers nurture content.
	NurtureWorkflowID id.WorkflowID

	// PrimaryWorkflowID is the sequence re-entering leads go back into.
	PrimaryWorkflowID id.WorkflowID

	// MinDelay and MaxDelay bound the randomized first-touch delay. The
	// randomization smooths send volume across calendar days.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ArchiveAfter is the inactivity window before an active nurture
	// enrollment is archived.
	ArchiveAfter time.Duration

	// ExclusiveTracks makes re-entry also exit the nurture track. When
	// false the two memberships may coexist until the nurture side
	// observes the re-entry on its own.
	ExclusiveTracks bool
}

// DefaultConfig returns the stock policy: 30 to 45 day first touch,
// archival after 360 days of silence, coexisting tracks.
func DefaultConfig() Config {
	return Config{
		MinDelay:     30 * 24 * time.Hour,
		MaxDelay:     45 * 24 * time.Hour,
		ArchiveAfter: 360 * 24 * time.Hour,
	}
}

// GateInput carries the caller-asserted facts the entry gate checks.
type GateInput struct {
	// Address is the lead's email address, checked against the
	// suppression ledger.
	Address string

	// HasOpenDeal blocks nurture: leads in an active deal stay with
	// their owner.
	HasOpenDeal bool

	// ExplicitNegative blocks nurture: the lead asked to be left alone.
	ExplicitNegative bool

	// Fields seeds the underlying workflow enrollment's snapshot.
	Fields map[string]any
}

// Router owns nurture track membership.
type Router struct {
	store   Store
	engine  Enroller
	ledger  suppression.Ledger
	scores  ScoreReader
	emitter Emitter
	logger  *slog.Logger
	cfg     Config
}

// NewRouter creates a Router. emitter may be nil.
func NewRouter(store Store, engine Enroller, ledger suppression.Ledger, scores ScoreReader, emitter Emitter, logger *slog.Logger, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinDelay <= 0 || cfg.MaxDelay < cfg.MinDelay {
		def := DefaultConfig()
		cfg.MinDelay, cfg.MaxDelay = def.MinDelay, def.MaxDelay
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = DefaultConfig().ArchiveAfter
	}
	return &Router{store: store, engine: engine, ledger: ledger, scores: scores, emitter: emitter, logger: logger, cfg: cfg}
}

// TryEnrol runs the entry gate and, when every check passes, puts the
// lead on the nurture track with a randomized first touch and enrolls it
// in the underlying nurture workflow. An existing active nurture
// enrollment is returned unchanged. Gate rejections return
// sequent.ErrNurtureIneligible wrapped with the reason.
func (r *Router) TryEnrol(ctx context.Context, tenantID, entityID string, in GateInput) (*Enrollment, error) {
	if existing, err := r.store.GetActiveNurture(ctx, tenantID, entityID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sequent.ErrNurtureNotFound) {
		return nil, fmt.Errorf("nurture gate: %w", err)
	}

	if in.HasOpenDeal {
		return nil, fmt.Errorf("%w: open deal", sequent.ErrNurtureIneligible)
	}
	if in.ExplicitNegative {
		return nil, fmt.Errorf("%w: explicit negative signal", sequent.ErrNurtureIneligible)
	}
	if r.ledger != nil && in.Address != "" {
		status, err := r.ledger.CheckSuppression(ctx, tenantID, in.Address)
		if err != nil {
			return nil, fmt.Errorf("nurture gate: %w", err)
		}
		if status.Suppressed {
			return nil, fmt.Errorf("%w: address suppressed (%s)", sequent.ErrNurtureIneligible, status.Reason)
		}
	}

	now := time.Now().UTC()
	n := &Enrollment{
		Entity:         sequent.NewEntity(),
		ID:             id.NewNurtureID(),
		TenantID:       tenantID,
		EntityID:       entityID,
		WorkflowID:     r.cfg.NurtureWorkflowID,
		Status:         StatusActive,
		NextSendAt:     now.Add(r.firstTouchDelay()),
		EnrolledAt:     now,
		LastActivityAt: now,
	}

	wfEnr, err := r.engine.EnrollLead(ctx, tenantID, r.cfg.NurtureWorkflowID, entityID, in.Fields)
	if err != nil {
		return nil, fmt.Errorf("enroll in nurture workflow: %w", err)
	}
	n.EnrollmentID = wfEnr.ID

	if err := r.store.CreateNurture(ctx, n); err != nil {
		if errors.Is(err, sequent.ErrNurtureExists) {
			return r.store.GetActiveNurture(ctx, tenantID, entityID)
		}
		// Unwind the workflow enrollment so the lead is not left in the
		// nurture sequence with no nurture record tracking it.
		if stopErr := r.engine.StopEnrollment(ctx, wfEnr.ID, "nurture_enroll_failed"); stopErr != nil {
			r.logger.Error("stop orphaned nurture enrollment",
				"enrollment_id", wfEnr.ID, "tenant_id", tenantID, "error", stopErr)
		}
		return nil, fmt.Errorf("create nurture enrollment: %w", err)
	}

	r.logger.Info("lead moved to nurture track",
		"nurture_id", n.ID, "tenant_id", tenantID, "entity_id", entityID,
		"first_touch_at", n.NextSendAt)
	if r.emitter != nil {
		r.emitter.EmitNurtureEnrolled(ctx, n)
	}
	return n, nil
}

// firstTouchDelay draws a uniform delay strictly inside
// (MinDelay, MaxDelay), never landing on either bound.
func (r *Router) firstTouchDelay() time.Duration {
	spread := r.cfg.MaxDelay - r.cfg.MinDelay
	if spread <= 1 {
		return r.cfg.MinDelay
	}
	return r.cfg.MinDelay + 1 + rand.N(spread-1) //nolint:gosec // send smoothing, not security
}

// CheckReEntryTriggers re-admits a nurtured lead to the primary workflow
// when its decayed score crossed the re-entry floor or the triggering
// event is in the re-entry set. It reports whether re-entry fired.
// Unless ExclusiveTracks is set, the nurture record stays active; the
// router notices the re-entry and exits the track on its own next pass.
func (r *Router) CheckReEntryTriggers(ctx context.Context, tenantID, entityID string, primaryWorkflowID id.WorkflowID, trigger event.Type) (bool, error) {
	n, err := r.store.GetActiveNurture(ctx, tenantID, entityID)
	if err != nil {
		if errors.Is(err, sequent.ErrNurtureNotFound) {
			return false, nil
		}
		return false, err
	}

	reason := ""
	if reentryEvents[trigger] {
		reason = "event:" + string(trigger)
	} else if r.scores != nil {
		current, err := r.scores.Current(ctx, tenantID, entityID)
		if err != nil {
			return false, fmt.Errorf("read score for re-entry: %w", err)
		}
		if current >= reentryScoreFloor {
			reason = fmt.Sprintf("score:%d", current)
		}
	}
	if reason == "" {
		return false, nil
	}

	if _, err := r.engine.EnrollLead(ctx, tenantID, primaryWorkflowID, entityID, nil); err != nil {
		return false, fmt.Errorf("re-enroll in primary workflow: %w", err)
	}

	r.logger.Info("nurtured lead re-entered active sequencing",
		"nurture_id", n.ID, "entity_id", entityID, "reason", reason)
	if r.emitter != nil {
		r.emitter.EmitNurtureReentry(ctx, n, reason)
	}

	if r.cfg.ExclusiveTracks {
		if err := r.exit(ctx, n, "reentry:"+reason); err != nil {
			return true, err
		}
	}
	return true, nil
}

// exit marks the nurture enrollment exited and stops its underlying
// workflow enrollment.
func (r *Router) exit(ctx context.Context, n *Enrollment, reason string) error {
	n.Status = StatusExited
	n.ExitReason = reason
	if err := r.store.UpdateNurture(ctx, n); err != nil {
		return fmt.Errorf("exit nurture track: %w", err)
	}
	if !n.EnrollmentID.IsNil() {
		if err := r.engine.StopEnrollment(ctx, n.EnrollmentID, "nurture_exit"); err != nil && !errors.Is(err, sequent.ErrInvalidState) {
			return fmt.Errorf("stop nurture workflow enrollment: %w", err)
		}
	}
	return nil
}

// ArchiveInactive archives every active nurture enrollment whose last
// activity is older than the configured window. Intended for a daily
// schedule; returns the number archived.
func (r *Router) ArchiveInactive(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.ArchiveAfter)
	stale, err := r.store.ListInactiveNurtures(ctx, cutoff, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list inactive nurtures: %w", err)
	}

	archived := 0
	for _, n := range stale {
		n.Status = StatusArchived
		if err := r.store.UpdateNurture(ctx, n); err != nil {
			r.logger.Error("nurture archival failed", "nurture_id", n.ID, "error", err)
			continue
		}
		if !n.EnrollmentID.IsNil() {
			if err := r.engine.StopEnrollment(ctx, n.EnrollmentID, "nurture_archived"); err != nil && !errors.Is(err, sequent.ErrInvalidState) {
				r.logger.Warn("stopping archived nurture enrollment failed",
					"nurture_id", n.ID, "enrollment_id", n.EnrollmentID, "error", err)
			}
		}
		if r.emitter != nil {
			r.emitter.EmitNurtureArchived(ctx, n)
		}
		archived++
	}
	if archived > 0 {
		r.logger.Info("inactive nurture leads archived", "archived", archived)
	}
	return archived, nil
}

// HandleEvent keeps nurture activity fresh and fires re-entry checks.
// The engine wiring dispatches every ingested event here alongside the
// workflow engine's own handler.
func (r *Router) HandleEvent(ctx context.Context, evt *event.Event) error {
	n, err := r.store.GetActiveNurture(ctx, evt.TenantID, evt.EntityID)
	if err != nil {
		if errors.Is(err, sequent.ErrNurtureNotFound) {
			return nil
		}
		return err
	}

	n.LastActivityAt = time.Now().UTC()
	if evt.Type == event.TypeEmailSent {
		n.ContentIndex++
	}
	if err := r.store.UpdateNurture(ctx, n); err != nil {
		return fmt.Errorf("touch nurture activity: %w", err)
	}

	if r.cfg.PrimaryWorkflowID.IsNil() {
		return nil
	}
	_, err = r.CheckReEntryTriggers(ctx, evt.TenantID, evt.EntityID, r.cfg.PrimaryWorkflowID, evt.Type)
	return err
}

var _ event.Handler = (*Router)(nil)
