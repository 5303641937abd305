package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/rules"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
)

// ── Triggers ──────────────────────────────────────────────────────────

// Trigger identifies what woke an enrollment for advancement.
type Trigger string

const (
	// TriggerEnroll is the synchronous advancement right after creation.
	TriggerEnroll Trigger = "enroll"
	// TriggerEvent is a wake caused by a freshly ingested lead event.
	TriggerEvent Trigger = "event"
	// TriggerSchedule is a wake from the periodic due-enrollment sweep.
	TriggerSchedule Trigger = "schedule"
)

// ── Collaborator interfaces ───────────────────────────────────────────

// Locker provides keyed TTL leases. AcquireLease is non-blocking: a held
// lease returns false and the caller moves on. cluster.Manager satisfies
// this interface.
type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// ScoreApplier is the slice of the scorer the engine needs.
type ScoreApplier interface {
	Apply(ctx context.Context, evt *event.Event) (float64, error)
	Adjust(ctx context.Context, tenantID, entityID string, delta float64) error
}

// ConditionEvaluator evaluates branch conditions. rules.Evaluator
// satisfies this interface.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, c *rules.Condition, scope rules.Scope) (bool, error)
}

// Recorder feeds engine-originated marker events back through ingestion
// so the event log stays the single source of truth for sends.
type Recorder interface {
	Record(ctx context.Context, in event.Input) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, in event.Input) error

func (f RecorderFunc) Record(ctx context.Context, in event.Input) error { return f(ctx, in) }

// FaultSink records failed node executions for operator inspection and
// replay. The engine never retries on its own.
type FaultSink interface {
	RecordFault(ctx context.Context, enr *Enrollment, nodeID string, cause error) error
}

// SendGate rate-limits outbound sends per tenant. throttle.Manager
// satisfies this interface.
type SendGate interface {
	AllowSend(ctx context.Context, tenantID string) (bool, error)
}

// Notifier delivers internal alerts raised by notify nodes.
type Notifier interface {
	Notify(ctx context.Context, tenantID, channel, message string) error
}

// Emitter emits enrollment lifecycle events. ext.Registry satisfies this
// interface.
type Emitter interface {
	EmitEnrollmentCreated(ctx context.Context, enr *Enrollment)
	EmitEnrollmentAdvanced(ctx context.Context, enr *Enrollment, fromNode, toNode string)
	EmitEnrollmentCompleted(ctx context.Context, enr *Enrollment)
	EmitEnrollmentStopped(ctx context.Context, enr *Enrollment)
	EmitSendPending(ctx context.Context, enr *Enrollment, intent SendIntent)
	EmitSendSuppressed(ctx context.Context, enr *Enrollment, address string, reason suppression.Reason)
	EmitNotifyEmitted(ctx context.Context, enr *Enrollment, channel, message string)
}

// AdvanceFunc advances one enrollment. Interceptors wrap it the way HTTP
// middleware wraps a handler.
type AdvanceFunc func(ctx context.Context, enr *Enrollment, trigger Trigger) error

// Interceptor wraps an AdvanceFunc with cross-cutting behavior.
type Interceptor func(next AdvanceFunc) AdvanceFunc

// Chain composes interceptors so the first listed runs outermost.
func Chain(base AdvanceFunc, interceptors ...Interceptor) AdvanceFunc {
	for i := len(interceptors) - 1; i >= 0; i-- {
		base = interceptors[i](base)
	}
	return base
}

// ── Engine ────────────────────────────────────────────────────────────

// sendRetryDelay is how far out a throttled send is rescheduled.
const sendRetryDelay = time.Minute

// defaultAddressField is the snapshot field consulted for the recipient
// address when a send node does not name one.
const defaultAddressField = "email"

// Engine drives enrollments through workflow definitions. It is safe for
// concurrent use; per-enrollment leases plus CAS versioning make
// advancement single-writer even across processes.
type Engine struct {
	store     Store
	scores    ScoreApplier
	evaluator ConditionEvaluator
	ledger    suppression.Ledger
	locker    Locker
	recorder  Recorder
	faults    FaultSink
	gate      SendGate
	notifier  Notifier
	emitter   Emitter
	logger    *slog.Logger
	cfg       sequent.Config

	advance AdvanceFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithScorer sets the score applier consulted by update nodes and event
// handling.
func WithScorer(s ScoreApplier) EngineOption { return func(e *Engine) { e.scores = s } }

// WithEvaluator sets the branch condition evaluator.
func WithEvaluator(ev ConditionEvaluator) EngineOption { return func(e *Engine) { e.evaluator = ev } }

// WithLedger sets the suppression ledger checked before every send.
func WithLedger(l suppression.Ledger) EngineOption { return func(e *Engine) { e.ledger = l } }

// WithLocker sets the lease provider for per-enrollment mutual exclusion.
func WithLocker(l Locker) EngineOption { return func(e *Engine) { e.locker = l } }

// WithRecorder sets the sink for engine-originated marker events.
func WithRecorder(r Recorder) EngineOption { return func(e *Engine) { e.recorder = r } }

// WithFaultSink sets the fault log for failed node executions.
func WithFaultSink(f FaultSink) EngineOption { return func(e *Engine) { e.faults = f } }

// WithSendGate sets the per-tenant send rate limiter.
func WithSendGate(g SendGate) EngineOption { return func(e *Engine) { e.gate = g } }

// WithNotifier sets the internal alert sink for notify nodes.
func WithNotifier(n Notifier) EngineOption { return func(e *Engine) { e.notifier = n } }

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(em Emitter) EngineOption { return func(e *Engine) { e.emitter = em } }

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// WithEngineConfig sets the engine configuration.
func WithEngineConfig(cfg sequent.Config) EngineOption { return func(e *Engine) { e.cfg = cfg } }

// WithInterceptors wraps advancement with the given interceptors,
// first-listed outermost.
func WithInterceptors(interceptors ...Interceptor) EngineOption {
	return func(e *Engine) { e.advance = Chain(e.advanceOne, interceptors...) }
}

// NewEngine creates an Engine over the given store. Collaborators left
// unset fall back to no-op implementations so the engine stays runnable
// in ingest-and-score-only deployments.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		cfg:    sequent.DefaultConfig(),
	}
	e.advance = e.advanceOne
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = nopLocker{}
	}
	return e
}

var _ event.Handler = (*Engine)(nil)

// ── Enrollment operations ─────────────────────────────────────────────

// EnrollLead enrolls a lead into the latest version of a workflow and
// advances it synchronously until it blocks or terminates. When an active
// enrollment for the same (tenant, workflow, entity) already exists it is
// returned unchanged; enrollment is idempotent.
func (e *Engine) EnrollLead(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string, snapshot map[string]any) (*Enrollment, error) {
	def, err := e.store.GetDefinition(ctx, tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("enroll lead: %w", err)
	}

	if existing, err := e.store.GetActiveEnrollment(ctx, tenantID, workflowID, entityID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sequent.ErrEnrollmentNotFound) {
		return nil, fmt.Errorf("enroll lead: %w", err)
	}

	now := time.Now().UTC()
	enr := &Enrollment{
		Entity:          sequent.NewEntity(),
		ID:              id.NewEnrollmentID(),
		WorkflowID:      workflowID,
		WorkflowVersion: def.Version,
		TenantID:        tenantID,
		EntityID:        entityID,
		CurrentNodeID:   def.EntryNodeID,
		Status:          StatusActive,
		EnteredAt:       now,
		LastTransition:  now,
		Snapshot:        cloneSnapshot(snapshot),
		Version:         1,
	}

	if err := e.store.CreateEnrollment(ctx, enr); err != nil {
		if errors.Is(err, sequent.ErrEnrollmentExists) {
			// Lost the race to a concurrent enroll; return the winner.
			return e.store.GetActiveEnrollment(ctx, tenantID, workflowID, entityID)
		}
		return nil, fmt.Errorf("enroll lead: %w", err)
	}

	e.logger.Info("lead enrolled",
		"enrollment_id", enr.ID,
		"workflow_id", workflowID,
		"tenant_id", tenantID,
		"entity_id", entityID,
		"workflow_version", def.Version)
	if e.emitter != nil {
		e.emitter.EmitEnrollmentCreated(ctx, enr)
	}

	if err := e.advance(ctx, enr, TriggerEnroll); err != nil {
		e.logger.Error("initial advancement failed", "enrollment_id", enr.ID, "error", err)
	}
	return e.store.GetEnrollment(ctx, enr.ID)
}

// AdvanceEnrollment re-runs advancement for one enrollment by ID. Fault
// replay and ad-hoc operator kicks go through here.
func (e *Engine) AdvanceEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) error {
	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	return e.advance(ctx, enr, TriggerSchedule)
}

// Pause suspends an active enrollment. Paused enrollments are skipped by
// both event wakes and scheduled sweeps.
func (e *Engine) Pause(ctx context.Context, enrollmentID id.EnrollmentID) error {
	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != StatusActive {
		return fmt.Errorf("%w: cannot pause %s enrollment %s", sequent.ErrInvalidState, enr.Status, enr.ID)
	}
	enr.Status = StatusPaused
	return e.store.UpdateEnrollment(ctx, enr)
}

// Resume reactivates a paused enrollment and advances it. Waits that
// elapsed while paused proceed immediately; pending waits keep their
// original check time.
func (e *Engine) Resume(ctx context.Context, enrollmentID id.EnrollmentID) error {
	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume %s enrollment %s", sequent.ErrInvalidState, enr.Status, enr.ID)
	}
	enr.Status = StatusActive
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return err
	}
	return e.advance(ctx, enr, TriggerSchedule)
}

// StopEnrollment terminates an enrollment with the given outcome without
// executing further nodes. Operator stops and nurture exits go through
// here; terminal enrollments return sequent.ErrInvalidState.
func (e *Engine) StopEnrollment(ctx context.Context, enrollmentID id.EnrollmentID, outcome string) error {
	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Terminal() {
		return fmt.Errorf("%w: cannot stop %s enrollment %s", sequent.ErrInvalidState, enr.Status, enr.ID)
	}
	if outcome == "" {
		outcome = string(StatusStopped)
	}
	enr.Status = StatusStopped
	enr.Outcome = outcome
	enr.NextCheckAt = nil
	enr.LastTransition = time.Now().UTC()
	if err := e.persist(ctx, enr); err != nil {
		return err
	}
	if e.emitter != nil {
		e.emitter.EmitEnrollmentStopped(ctx, enr)
	}
	return nil
}

// HandleEvent routes one ingested event through the engine: the score is
// updated, hard bounces and unsubscribes feed the suppression ledger, and
// every active enrollment of the entity is woken for advancement.
// HandleEvent is the event.Handler the ingestor dispatches to.
func (e *Engine) HandleEvent(ctx context.Context, evt *event.Event) error {
	if e.scores != nil {
		if _, err := e.scores.Apply(ctx, evt); err != nil {
			e.logger.Error("score update failed", "event_id", evt.ID, "error", err)
		}
	}

	if err := e.autoSuppress(ctx, evt); err != nil {
		e.logger.Error("auto-suppression failed", "event_id", evt.ID, "error", err)
	}

	enrollments, err := e.store.ListActiveEnrollments(ctx, evt.TenantID, evt.EntityID)
	if err != nil {
		return fmt.Errorf("wake enrollments: %w", err)
	}
	for _, enr := range enrollments {
		if err := e.advance(ctx, enr, TriggerEvent); err != nil {
			e.logger.Error("event-triggered advancement failed",
				"enrollment_id", enr.ID, "event_id", evt.ID, "error", err)
		}
	}
	return nil
}

// autoSuppress writes ledger entries for hard bounces and unsubscribes.
func (e *Engine) autoSuppress(ctx context.Context, evt *event.Event) error {
	if e.ledger == nil {
		return nil
	}
	address := evt.PayloadString("email")
	if address == "" {
		return nil
	}
	switch evt.Type {
	case event.TypeEmailBounced:
		if evt.PayloadString("bounce_type") != "hard" {
			return nil
		}
		return e.ledger.SuppressEmail(ctx, evt.TenantID, address, suppression.ReasonBounce)
	case event.TypeEmailUnsubscribed:
		return e.ledger.SuppressEmail(ctx, evt.TenantID, address, suppression.ReasonUnsubscribe)
	}
	return nil
}

// SweepResult summarizes one due-enrollment sweep.
type SweepResult struct {
	Due      int
	Advanced int
	Failed   int
}

// ProcessDueEnrollments advances every enrollment whose wait has elapsed.
// Enrollments are processed concurrently up to the configured sweep
// concurrency; one failure never stops the sweep.
func (e *Engine) ProcessDueEnrollments(ctx context.Context) (SweepResult, error) {
	due, err := e.store.ListDueEnrollments(ctx, time.Now().UTC(), e.cfg.SweepBatchLimit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due enrollments: %w", err)
	}

	var advanced, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, enr := range due {
		g.Go(func() error {
			if err := e.advance(gctx, enr, TriggerSchedule); err != nil {
				failed.Add(1)
				e.logger.Error("scheduled advancement failed", "enrollment_id", enr.ID, "error", err)
				return nil
			}
			advanced.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Due: len(due), Advanced: int(advanced.Load()), Failed: int(failed.Load())}
	if res.Due > 0 {
		e.logger.Info("due-enrollment sweep finished",
			"due", res.Due, "advanced", res.Advanced, "failed", res.Failed)
	}
	return res, nil
}

// ── Advancement ───────────────────────────────────────────────────────

// advanceOne walks one enrollment through its definition until it halts
// at a wait, terminates, or exhausts the hop budget. A lease held by
// another advancer makes this a silent no-op; the holder will observe any
// state the triggering event already persisted.
func (e *Engine) advanceOne(ctx context.Context, enr *Enrollment, trigger Trigger) error {
	if enr.Terminal() || enr.Status == StatusPaused {
		return nil
	}

	leaseKey := "enrollment:" + enr.ID.String()
	acquired, err := e.locker.AcquireLease(ctx, leaseKey, e.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire enrollment lease: %w", err)
	}
	if !acquired {
		e.logger.Debug("enrollment lease held elsewhere, skipping", "enrollment_id", enr.ID)
		return nil
	}
	defer func() {
		if err := e.locker.ReleaseLease(context.WithoutCancel(ctx), leaseKey); err != nil {
			e.logger.Warn("enrollment lease release failed", "enrollment_id", enr.ID, "error", err)
		}
	}()

	if e.cfg.AdvanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AdvanceTimeout)
		defer cancel()
	}

	def, err := e.store.GetDefinitionVersion(ctx, enr.TenantID, enr.WorkflowID, enr.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("resolve pinned definition: %w", err)
	}

	for hop := 0; hop < e.cfg.MaxHops; hop++ {
		node := def.Node(enr.CurrentNodeID)
		if node == nil {
			e.recordFault(ctx, enr, enr.CurrentNodeID,
				fmt.Errorf("%w: node %q missing from workflow %s v%d",
					sequent.ErrNodeNotFound, enr.CurrentNodeID, enr.WorkflowID, enr.WorkflowVersion))
			return nil
		}

		handle, halt, err := e.executeNode(ctx, def, enr, node, trigger)
		if err != nil {
			e.recordFault(ctx, enr, node.ID, err)
			return err
		}
		if halt {
			if enr.Terminal() {
				// Stop nodes persist and emit inside their executor.
				return nil
			}
			return e.persist(ctx, enr)
		}

		target, ok := e.resolveEdge(node, handle)
		if !ok {
			// Running off the graph is the normal completion path.
			return e.complete(ctx, enr)
		}

		from := enr.CurrentNodeID
		enr.CurrentNodeID = target
		enr.LastTransition = time.Now().UTC()
		if err := e.persist(ctx, enr); err != nil {
			return err
		}
		if e.emitter != nil {
			e.emitter.EmitEnrollmentAdvanced(ctx, enr, from, target)
		}
	}

	err = fmt.Errorf("hop budget of %d exhausted at node %q", e.cfg.MaxHops, enr.CurrentNodeID)
	e.recordFault(ctx, enr, enr.CurrentNodeID, err)
	return err
}

// executeNode runs one node and reports which edge handle to follow, or
// halt to stop walking with the enrollment state as mutated.
func (e *Engine) executeNode(ctx context.Context, def *Definition, enr *Enrollment, node *Node, trigger Trigger) (handle string, halt bool, err error) {
	switch node.Type {
	case NodeWait:
		return e.executeWait(enr, node, trigger)
	case NodeSend:
		return e.executeSend(ctx, enr, node)
	case NodeBranch:
		return e.executeBranch(ctx, enr, node)
	case NodeUpdate:
		return e.executeUpdate(ctx, enr, node)
	case NodeNotify:
		return e.executeNotify(ctx, enr, node)
	case NodeEnrol:
		return e.executeEnrol(ctx, enr, node)
	case NodeStop:
		return e.executeStop(ctx, enr, node)
	default:
		e.logger.Warn("unknown node type, following default edge",
			"enrollment_id", enr.ID, "node_id", node.ID, "node_type", node.Type)
		return EdgeDefault, false, nil
	}
}

// executeWait implements waits as data. The first visit arms NextCheckAt
// and halts; a later visit proceeds once the time elapsed, or immediately
// when a live event woke the enrollment.
func (e *Engine) executeWait(enr *Enrollment, node *Node, trigger Trigger) (string, bool, error) {
	now := time.Now().UTC()
	if enr.NextCheckAt == nil {
		next := now.Add(node.Wait.Duration.Std())
		enr.NextCheckAt = &next
		return "", true, nil
	}
	if !now.Before(*enr.NextCheckAt) || trigger == TriggerEvent {
		enr.NextCheckAt = nil
		return EdgeDefault, false, nil
	}
	return "", true, nil
}

// executeSend checks the ledger and the tenant send gate, then queues the
// send intent and records the email_sent marker. A missing address skips
// the node rather than faulting the enrollment.
func (e *Engine) executeSend(ctx context.Context, enr *Enrollment, node *Node) (string, bool, error) {
	field := node.Send.AddressField
	if field == "" {
		field = defaultAddressField
	}
	address, _ := enr.Field(field).(string)
	if address == "" {
		e.logger.Warn("send node skipped, no recipient address",
			"enrollment_id", enr.ID, "node_id", node.ID, "address_field", field)
		return EdgeDefault, false, nil
	}

	if e.ledger != nil {
		status, err := e.ledger.CheckSuppression(ctx, enr.TenantID, address)
		if err != nil {
			return "", false, fmt.Errorf("check suppression: %w", err)
		}
		if status.Suppressed {
			e.logger.Info("send suppressed",
				"enrollment_id", enr.ID, "node_id", node.ID, "reason", status.Reason)
			if e.emitter != nil {
				e.emitter.EmitSendSuppressed(ctx, enr, address, status.Reason)
			}
			return EdgeSuppressed, false, nil
		}
	}

	if e.gate != nil {
		allowed, err := e.gate.AllowSend(ctx, enr.TenantID)
		if err != nil {
			return "", false, fmt.Errorf("send gate: %w", err)
		}
		if !allowed {
			next := time.Now().UTC().Add(sendRetryDelay)
			enr.NextCheckAt = &next
			e.logger.Info("send throttled, deferring",
				"enrollment_id", enr.ID, "node_id", node.ID, "retry_at", next)
			return "", true, nil
		}
	}

	intent := SendIntent{
		NodeID:     node.ID,
		TemplateID: node.Send.TemplateID,
		Subject:    node.Send.Subject,
		Body:       node.Send.Body,
		Recipient:  address,
		QueuedAt:   time.Now().UTC(),
	}
	enr.queueSendIntent(intent)

	if e.recorder != nil {
		in := event.Input{
			TenantID:   enr.TenantID,
			Type:       event.TypeEmailSent,
			EntityType: "lead",
			EntityID:   enr.EntityID,
			Source:     "sequencer",
			DedupeKey:  fmt.Sprintf("email_sent:%s:%s:%d", enr.ID, node.ID, enr.Version),
			Payload: map[string]any{
				"enrollment_id": enr.ID.String(),
				"node_id":       node.ID,
				"template_id":   node.Send.TemplateID,
			},
		}
		if err := e.recorder.Record(ctx, in); err != nil {
			return "", false, fmt.Errorf("record send marker: %w", err)
		}
	}

	if e.emitter != nil {
		e.emitter.EmitSendPending(ctx, enr, intent)
	}
	return EdgeDefault, false, nil
}

func (e *Engine) executeBranch(ctx context.Context, enr *Enrollment, node *Node) (string, bool, error) {
	if e.evaluator == nil {
		return "", false, fmt.Errorf("branch node %q: no condition evaluator configured", node.ID)
	}
	scope := rules.Scope{TenantID: enr.TenantID, EntityID: enr.EntityID, Fields: enr.Snapshot}
	ok, err := e.evaluator.Evaluate(ctx, node.Branch.Condition, scope)
	if err != nil {
		return "", false, fmt.Errorf("evaluate branch condition: %w", err)
	}
	if ok {
		return EdgeYes, false, nil
	}
	return EdgeNo, false, nil
}

func (e *Engine) executeUpdate(ctx context.Context, enr *Enrollment, node *Node) (string, bool, error) {
	if len(node.Update.Fields) > 0 {
		if enr.Snapshot == nil {
			enr.Snapshot = make(map[string]any, len(node.Update.Fields))
		}
		for k, v := range node.Update.Fields {
			enr.Snapshot[k] = v
		}
	}
	if node.Update.ScoreDelta != 0 && e.scores != nil {
		if err := e.scores.Adjust(ctx, enr.TenantID, enr.EntityID, node.Update.ScoreDelta); err != nil {
			return "", false, fmt.Errorf("apply score delta: %w", err)
		}
	}
	return EdgeDefault, false, nil
}

func (e *Engine) executeNotify(ctx context.Context, enr *Enrollment, node *Node) (string, bool, error) {
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, enr.TenantID, node.Notify.Channel, node.Notify.Message); err != nil {
			return "", false, fmt.Errorf("deliver notification: %w", err)
		}
	}
	if e.emitter != nil {
		e.emitter.EmitNotifyEmitted(ctx, enr, node.Notify.Channel, node.Notify.Message)
	}
	return EdgeDefault, false, nil
}

// executeEnrol cross-enrolls the lead into another workflow, carrying the
// current snapshot forward. The nested enrollment advances under its own
// lease.
func (e *Engine) executeEnrol(ctx context.Context, enr *Enrollment, node *Node) (string, bool, error) {
	if _, err := e.EnrollLead(ctx, enr.TenantID, node.Enrol.WorkflowID, enr.EntityID, enr.Snapshot); err != nil {
		return "", false, fmt.Errorf("cross-enroll into %s: %w", node.Enrol.WorkflowID, err)
	}
	return EdgeDefault, false, nil
}

func (e *Engine) executeStop(ctx context.Context, enr *Enrollment, node *Node) (string, bool, error) {
	outcome := node.Stop.Outcome
	if outcome == "" {
		outcome = string(StatusStopped)
	}
	enr.Status = StatusStopped
	enr.Outcome = outcome
	enr.NextCheckAt = nil
	enr.LastTransition = time.Now().UTC()
	if err := e.persist(ctx, enr); err != nil {
		return "", false, err
	}
	e.logger.Info("enrollment stopped", "enrollment_id", enr.ID, "outcome", outcome)
	if e.emitter != nil {
		e.emitter.EmitEnrollmentStopped(ctx, enr)
	}
	return "", true, nil
}

// complete marks an enrollment that ran off its last edge.
func (e *Engine) complete(ctx context.Context, enr *Enrollment) error {
	enr.Status = StatusCompleted
	enr.Outcome = OutcomeCompleted
	enr.NextCheckAt = nil
	enr.LastTransition = time.Now().UTC()
	if err := e.persist(ctx, enr); err != nil {
		return err
	}
	e.logger.Info("enrollment completed", "enrollment_id", enr.ID)
	if e.emitter != nil {
		e.emitter.EmitEnrollmentCompleted(ctx, enr)
	}
	return nil
}

// resolveEdge maps an edge handle to a target node. A suppressed handle
// without a dedicated edge falls back to the default edge.
func (e *Engine) resolveEdge(node *Node, handle string) (string, bool) {
	target, ok := node.Edges[handle]
	if !ok && handle == EdgeSuppressed {
		target, ok = node.Edges[EdgeDefault]
	}
	return target, ok
}

func (e *Engine) persist(ctx context.Context, enr *Enrollment) error {
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return fmt.Errorf("persist enrollment %s: %w", enr.ID, err)
	}
	return nil
}

// recordFault writes a fault entry; a fault-log failure is logged and
// swallowed so it never masks the original error.
func (e *Engine) recordFault(ctx context.Context, enr *Enrollment, nodeID string, cause error) {
	e.logger.Error("node execution failed",
		"enrollment_id", enr.ID, "node_id", nodeID, "error", cause)
	if e.faults == nil {
		return
	}
	if err := e.faults.RecordFault(ctx, enr, nodeID, cause); err != nil {
		e.logger.Error("fault record failed", "enrollment_id", enr.ID, "error", err)
	}
}

func cloneSnapshot(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// nopLocker always grants the lease. Single-process deployments without a
// shared lock backend use it; CAS versioning still guards correctness.
type nopLocker struct{}

func (nopLocker) AcquireLease(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (nopLocker) ReleaseLease(context.Context, string) error                        { return nil }
