// Package scheduler runs the engine's periodic tasks: the due-enrollment
// sweep, nurture archival, and fault-log purging. Tasks are registered in
// code with a cron expression; only the cluster leader fires them, and
// each firing holds a keyed lease so a leadership handover mid-tick
// cannot double-run a task.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/backoff"
)

// TaskFunc is one periodic unit of work.
type TaskFunc func(ctx context.Context) error

// Task pairs a name with a schedule and the work to run.
type Task struct {
	// Name uniquely identifies the task; it also keys the firing lease.
	Name string

	// Schedule is a cron expression, 5-field or a descriptor like
	// "@every 1m".
	Schedule string

	// Run does the work. Errors back the task off; they never stop the
	// scheduler.
	Run TaskFunc
}

// Leader reports whether this instance holds cluster leadership.
// cluster.Manager satisfies this interface.
type Leader interface {
	IsLeader() bool
}

// Locker provides keyed TTL leases for task firings. cluster.Manager
// satisfies this interface.
type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// taskState tracks one registered task's parsed schedule, next eligible
// run, and consecutive failure count for backoff.
type taskState struct {
	task     Task
	schedule cronlib.Schedule
	nextRun  time.Time
	failures int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-task firing leases.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithBackoff sets the strategy applied after consecutive task failures.
func WithBackoff(b backoff.Strategy) SchedulerOption {
	return func(s *Scheduler) { s.backoff = b }
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler fires registered tasks on a tick loop. Only the cluster
// leader executes ticks to prevent double-firing across instances.
type Scheduler struct {
	leader  Leader
	locker  Locker
	logger  *slog.Logger
	backoff backoff.Strategy

	tickInterval time.Duration
	lockTTL      time.Duration

	mu    sync.Mutex
	tasks map[string]*taskState

	stopCh  chan struct{}
	stopped chan struct{}
	started bool
}

// NewScheduler creates a Scheduler. leader may be nil (single-node: this
// instance always fires); locker may be nil (no firing leases).
func NewScheduler(leader Leader, locker Locker, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		leader:       leader,
		locker:       locker,
		logger:       slog.Default(),
		backoff:      backoff.DefaultStrategy(),
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		tasks:        make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task, parsing its schedule eagerly so a bad expression
// fails at wiring time, not at first fire.
func (s *Scheduler) Register(task Task) error {
	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("parse schedule for task %q: %w", task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %q already registered", task.Name)
	}
	s.tasks[task.Name] = &taskState{
		task:     task,
		schedule: sched,
		nextRun:  sched.Next(time.Now().UTC()),
	}
	return nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("tasks", len(s.tasks)),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the loop to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stopCh, stopped := s.stopCh, s.stopped
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick fires every due task. Non-leaders skip the whole tick.
func (s *Scheduler) tick(ctx context.Context) {
	if s.leader != nil && !s.leader.IsLeader() {
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	var due []*taskState
	for _, ts := range s.tasks {
		if !ts.nextRun.After(now) {
			due = append(due, ts)
		}
	}
	s.mu.Unlock()

	for _, ts := range due {
		s.fire(ctx, ts, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, ts *taskState, now time.Time) {
	leaseKey := "task:" + ts.task.Name
	if s.locker != nil {
		acquired, err := s.locker.AcquireLease(ctx, leaseKey, s.lockTTL)
		if err != nil {
			s.logger.Error("task lease error",
				slog.String("task", ts.task.Name), slog.String("error", err.Error()))
			return
		}
		if !acquired {
			return // Another instance got it.
		}
		defer func() {
			if err := s.locker.ReleaseLease(ctx, leaseKey); err != nil {
				s.logger.Warn("task lease release error",
					slog.String("task", ts.task.Name), slog.String("error", err.Error()))
			}
		}()
	}

	start := time.Now()
	err := ts.task.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ts.failures++
		delay := s.backoff.Delay(ts.failures)
		ts.nextRun = now.Add(delay)
		s.logger.Error("scheduled task failed",
			slog.String("task", ts.task.Name),
			slog.Int("consecutive_failures", ts.failures),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		return
	}
	ts.failures = 0
	ts.nextRun = ts.schedule.Next(now)
	s.logger.Debug("scheduled task finished",
		slog.String("task", ts.task.Name),
		slog.Duration("elapsed", elapsed),
		slog.Time("next_run", ts.nextRun),
	)
}
