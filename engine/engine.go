package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/backoff"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/ext"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	mw "github.com/MouMou78/NeuroVitalityCRM-sub002/middleware"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/observability"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/rules"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/scheduler"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/throttle"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// instrumentationName scopes the engine's tracers and meters.
const instrumentationName = "github.com/MouMou78/NeuroVitalityCRM-sub002"

// Scheduler task names. Each name also keys the task's firing lease.
const (
	taskSweepDue       = "process-due-enrollments"
	taskArchiveNurture = "archive-inactive-nurture"
	taskPurgeFaults    = "purge-faults"
)

// multiHandler fans one ingested event out to every registered handler.
// A handler error is logged and does not stop the remaining handlers.
// The first error is returned, so the event stays unprocessed when any
// handler failed and is redelivered to all of them on replay; handlers
// must tolerate redelivery, as the scorer does via Score.LastEventID.
type multiHandler struct {
	handlers []event.Handler
	logger   *slog.Logger
}

func (m *multiHandler) HandleEvent(ctx context.Context, evt *event.Event) error {
	var firstErr error
	for _, h := range m.handlers {
		if err := h.HandleEvent(ctx, evt); err != nil {
			m.logger.Error("event handler failed",
				slog.String("event_id", evt.ID.String()),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// lateAdvancer defers the fault service's engine reference until Build
// has constructed the workflow engine. The fault service only advances
// during Replay, long after wiring finishes.
type lateAdvancer struct {
	eng *Engine
}

func (a *lateAdvancer) AdvanceEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) error {
	return a.eng.workflow.AdvanceEnrollment(ctx, enrollmentID)
}

// Engine wraps a Sequencer with fully wired subsystems.
// Use Build() to create one.
type Engine struct {
	seq        *sequent.Sequencer
	extensions *ext.Registry
	logger     *slog.Logger

	ingestor  *event.Ingestor
	wfStore   workflow.Store
	scorer    *score.Scorer
	evaluator *rules.Evaluator
	workflow  *workflow.Engine
	router    *nurture.Router
	faults    *fault.Service
	throttle  *throttle.Manager
	cluster   *cluster.Manager
	scheduler *scheduler.Scheduler

	ledger suppression.Ledger

	// Wiring inputs collected by options.
	nurtureCfg      nurture.Config
	throttleCfgs    []throttle.TenantConfig
	defaultThrottle *throttle.TenantConfig
	interceptors    []workflow.Interceptor
	notifier        workflow.Notifier
	bo              backoff.Strategy

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithInterceptor appends an interceptor to the advancement chain, after
// the default stack.
func WithInterceptor(i workflow.Interceptor) Option {
	return func(eng *Engine) { eng.interceptors = append(eng.interceptors, i) }
}

// WithNurtureConfig sets the nurture router policy.
func WithNurtureConfig(cfg nurture.Config) Option {
	return func(eng *Engine) { eng.nurtureCfg = cfg }
}

// WithTenantThrottle registers per-tenant send rate limits. Tenants not
// listed are unlimited.
func WithTenantThrottle(cfgs ...throttle.TenantConfig) Option {
	return func(eng *Engine) { eng.throttleCfgs = append(eng.throttleCfgs, cfgs...) }
}

// WithDefaultThrottle sets the send rate limit applied to tenants
// without an explicit configuration.
func WithDefaultThrottle(cfg throttle.TenantConfig) Option {
	return func(eng *Engine) { eng.defaultThrottle = &cfg }
}

// WithNotifier sets the sink for notify-node alerts.
func WithNotifier(n workflow.Notifier) Option {
	return func(eng *Engine) { eng.notifier = n }
}

// WithBackoff sets the scheduler's failure backoff strategy.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing interceptor uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics interceptor and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine from an existing Sequencer. The Sequencer's
// store must implement every subsystem store interface; the composite
// store.Store backends all do.
func Build(seq *sequent.Sequencer, opts ...Option) (*Engine, error) {
	logger := seq.Logger()
	st := seq.Store()
	cfg := seq.Config()

	if st == nil {
		return nil, sequent.ErrNoStore
	}

	es, ok := st.(event.Store)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement event.Store")
	}
	ss, ok := st.(score.Store)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement score.Store")
	}
	ws, ok := st.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement workflow.Store")
	}
	ns, ok := st.(nurture.Store)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement nurture.Store")
	}
	fs, ok := st.(fault.Store)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement fault.Store")
	}
	cls, ok := st.(cluster.Store)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement cluster.Store")
	}
	ledger, ok := st.(suppression.Ledger)
	if !ok {
		return nil, fmt.Errorf("sequent: store does not implement suppression.Ledger")
	}

	eng := &Engine{
		seq:        seq,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
		ledger:     ledger,
		nurtureCfg: nurture.DefaultConfig(),
	}

	for _, opt := range opts {
		opt(eng)
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(
			eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.scorer = score.NewScorer(ss, eng.extensions, logger)
	eng.evaluator = rules.NewEvaluator(es, eng.scorer, logger)

	eng.cluster = cluster.NewManager(cls,
		cluster.WithLeaderTTL(cfg.LeaderTTL),
		cluster.WithManagerLogger(logger),
	)

	eng.throttle = throttle.NewManager()
	if eng.defaultThrottle != nil {
		eng.throttle.SetDefaultConfig(*eng.defaultThrottle)
	}
	for _, tc := range eng.throttleCfgs {
		eng.throttle.SetTenantConfig(tc)
	}

	// The fault service and the workflow engine reference each other:
	// the engine records faults, the service replays them back through
	// the engine. The lateAdvancer breaks the construction cycle.
	eng.faults = fault.NewService(fs, &lateAdvancer{eng}, logger)

	var tracingI workflow.Interceptor
	if eng.tracerProvider != nil {
		tracingI = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingI = mw.Tracing()
	}
	var metricsI workflow.Interceptor
	if eng.meterProvider != nil {
		metricsI = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsI = mw.Metrics()
	}

	// Default advancement stack: recover → tracing → metrics → logging →
	// scope → timeout, then caller-supplied interceptors.
	chain := []workflow.Interceptor{
		mw.Recover(logger),
		tracingI,
		metricsI,
		mw.Logging(logger),
		mw.Scope(),
		mw.Timeout(cfg.AdvanceTimeout),
	}
	chain = append(chain, eng.interceptors...)

	wfOpts := []workflow.EngineOption{
		workflow.WithScorer(eng.scorer),
		workflow.WithEvaluator(eng.evaluator),
		workflow.WithLedger(ledger),
		workflow.WithLocker(eng.cluster),
		workflow.WithFaultSink(eng.faults),
		workflow.WithSendGate(eng.throttle),
		workflow.WithEmitter(eng.extensions),
		workflow.WithEngineLogger(logger),
		workflow.WithEngineConfig(cfg),
		workflow.WithRecorder(workflow.RecorderFunc(func(ctx context.Context, in event.Input) error {
			_, err := eng.ingestor.Ingest(ctx, in)
			return err
		})),
		workflow.WithInterceptors(chain...),
	}
	if eng.notifier != nil {
		wfOpts = append(wfOpts, workflow.WithNotifier(eng.notifier))
	}
	eng.wfStore = ws
	eng.workflow = workflow.NewEngine(ws, wfOpts...)

	eng.router = nurture.NewRouter(ns, eng.workflow, ledger, eng.scorer, eng.extensions, logger, eng.nurtureCfg)

	sink := &multiHandler{handlers: []event.Handler{eng.workflow, eng.router}, logger: logger}
	eng.ingestor = event.NewIngestor(es, sink, eng.extensions, logger)

	eng.scheduler = scheduler.NewScheduler(eng.cluster, eng.cluster,
		scheduler.WithSchedulerLogger(logger),
		scheduler.WithLockTTL(cfg.LeaseTTL),
		scheduler.WithBackoff(eng.bo),
	)
	if err := eng.registerTasks(cfg); err != nil {
		return nil, err
	}

	seq.SetScheduler(eng.scheduler)
	seq.SetExtensions(eng.extensions)

	return eng, nil
}

// registerTasks wires the periodic sweeps into the scheduler.
func (eng *Engine) registerTasks(cfg sequent.Config) error {
	tasks := []scheduler.Task{
		{
			Name:     taskSweepDue,
			Schedule: cfg.SweepSchedule,
			Run: func(ctx context.Context) error {
				res, err := eng.workflow.ProcessDueEnrollments(ctx)
				eng.extensions.EmitSweepCompleted(ctx, res)
				return err
			},
		},
		{
			Name:     taskArchiveNurture,
			Schedule: cfg.ArchiveSchedule,
			Run: func(ctx context.Context) error {
				_, err := eng.router.ArchiveInactive(ctx)
				return err
			},
		},
		{
			Name:     taskPurgeFaults,
			Schedule: cfg.PurgeSchedule,
			Run: func(ctx context.Context) error {
				_, err := eng.faults.PurgeExpired(ctx, cfg.FaultRetention)
				return err
			},
		},
	}
	for _, t := range tasks {
		if err := eng.scheduler.Register(t); err != nil {
			return fmt.Errorf("register task: %w", err)
		}
	}
	return nil
}

// ── Lifecycle ─────────────────────────────────────────────────────────

// Start migrates the store, joins the cluster, runs a crash-recovery
// pass, and starts periodic processing. Events whose wake-up was lost to
// a crash are replayed, and overdue enrollments are advanced immediately
// instead of waiting for the first sweep.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.seq.Store().Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	if err := eng.cluster.Start(ctx); err != nil {
		return fmt.Errorf("start cluster manager: %w", err)
	}

	if replayed, err := eng.ingestor.ReplayUnprocessed(ctx, 0); err != nil {
		eng.logger.Warn("unprocessed event replay failed", slog.String("error", err.Error()))
	} else if replayed > 0 {
		eng.logger.Info("replayed unprocessed events", slog.Int("count", replayed))
	}
	if res, err := eng.workflow.ProcessDueEnrollments(ctx); err != nil {
		eng.logger.Warn("recovery sweep failed", slog.String("error", err.Error()))
	} else {
		eng.extensions.EmitSweepCompleted(ctx, res)
	}

	return eng.seq.Start(ctx)
}

// Stop leaves the cluster and shuts the sequencer down gracefully.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.cluster.Stop(ctx); err != nil {
		eng.logger.Warn("cluster manager stop error", slog.String("error", err.Error()))
	}
	return eng.seq.Stop(ctx)
}

// ── Operations ────────────────────────────────────────────────────────

// Ingest records one interaction event and fires the downstream wake-up.
func (eng *Engine) Ingest(ctx context.Context, in event.Input) (*event.Result, error) {
	return eng.ingestor.Ingest(ctx, in)
}

// RegisterDefinition validates a workflow definition and stores it.
// Publishing a changed graph under a bumped Version leaves in-flight
// enrollments on their pinned version.
func (eng *Engine) RegisterDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := workflow.Validate(def); err != nil {
		return fmt.Errorf("validate workflow %q: %w", def.Name, err)
	}
	if err := eng.wfStore.PutDefinition(ctx, def); err != nil {
		return fmt.Errorf("store workflow %q: %w", def.Name, err)
	}
	eng.logger.Info("workflow definition registered",
		slog.String("workflow_id", def.ID.String()),
		slog.String("name", def.Name),
		slog.Int("version", def.Version),
	)
	return nil
}

// Enroll puts a lead into a workflow and advances it synchronously.
func (eng *Engine) Enroll(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string, snapshot map[string]any) (*workflow.Enrollment, error) {
	return eng.workflow.EnrollLead(ctx, tenantID, workflowID, entityID, snapshot)
}

// ── Subsystem access ──────────────────────────────────────────────────

// Extensions returns the lifecycle extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Ingestor returns the event ingestor.
func (eng *Engine) Ingestor() *event.Ingestor { return eng.ingestor }

// Scorer returns the lead scorer.
func (eng *Engine) Scorer() *score.Scorer { return eng.scorer }

// Evaluator returns the rules evaluator.
func (eng *Engine) Evaluator() *rules.Evaluator { return eng.evaluator }

// Workflow returns the workflow engine.
func (eng *Engine) Workflow() *workflow.Engine { return eng.workflow }

// Nurture returns the nurture router.
func (eng *Engine) Nurture() *nurture.Router { return eng.router }

// Faults returns the fault service for replay and inspection.
func (eng *Engine) Faults() *fault.Service { return eng.faults }

// Throttle returns the per-tenant send rate limiter.
func (eng *Engine) Throttle() *throttle.Manager { return eng.throttle }

// Cluster returns the cluster manager.
func (eng *Engine) Cluster() *cluster.Manager { return eng.cluster }

// Scheduler returns the periodic task scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Ledger returns the suppression ledger.
func (eng *Engine) Ledger() suppression.Ledger { return eng.ledger }

// Sequencer returns the underlying Sequencer.
func (eng *Engine) Sequencer() *sequent.Sequencer { return eng.seq }
