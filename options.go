package sequent

import (
	"context"
	"log/slog"
)

// Option configures a Sequencer.
type Option func(*Sequencer) error

// Storer is the minimal store interface held by the Sequencer.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// schedRunner is an internal interface for scheduler lifecycle.
type schedRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Sequencer is the central coordinator for event ingestion, lead scoring,
// workflow advancement, and nurture routing.
//
// Create one with New() and functional options, then use engine.Build to
// wire the subsystems together. The Sequencer holds subsystem components
// via internal interfaces to avoid import cycles.
type Sequencer struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	scheduler  schedRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Sequencer with the given options.
func New(opts ...Option) (*Sequencer, error) {
	s := &Sequencer{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the sequencer's logger.
func (s *Sequencer) Logger() *slog.Logger { return s.logger }

// Store returns the sequencer's store.
func (s *Sequencer) Store() Storer { return s.store }

// Config returns a copy of the sequencer's configuration.
func (s *Sequencer) Config() Config { return s.config }

// SetScheduler sets the periodic scheduler (called by the engine package).
func (s *Sequencer) SetScheduler(r schedRunner) { s.scheduler = r }

// SetExtensions sets the extension emitter (called by the engine package).
func (s *Sequencer) SetExtensions(e extensionEmitter) { s.extensions = e }

// Start begins periodic processing.
func (s *Sequencer) Start(ctx context.Context) error {
	if s.scheduler == nil {
		return ErrNotBuilt
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the sequencer.
func (s *Sequencer) Stop(ctx context.Context) error {
	if s.scheduler != nil && s.started {
		if err := s.scheduler.Stop(ctx); err != nil {
			s.logger.Error("scheduler stop error", "error", err)
		}
	}
	if s.extensions != nil {
		s.extensions.EmitShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the sequencer.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(st Storer) Option {
	return func(s *Sequencer) error {
		s.store = st
		return nil
	}
}

// WithLogger sets the structured logger for the sequencer.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) error {
		s.logger = l
		return nil
	}
}

// WithMaxHops sets the per-advancement hop cap.
func WithMaxHops(n int) Option {
	return func(s *Sequencer) error {
		s.config.MaxHops = n
		return nil
	}
}

// WithSweepConcurrency sets how many enrollments a sweep advances in parallel.
func WithSweepConcurrency(n int) Option {
	return func(s *Sequencer) error {
		s.config.SweepConcurrency = n
		return nil
	}
}

// WithSweepSchedule sets the cron expression for the due-enrollment sweep.
func WithSweepSchedule(expr string) Option {
	return func(s *Sequencer) error {
		s.config.SweepSchedule = expr
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(s *Sequencer) error {
		s.config = cfg
		return nil
	}
}
