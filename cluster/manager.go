package cluster

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Manager registers this instance as a cluster worker, keeps its
// heartbeat fresh, and competes for leadership. It also forwards keyed
// leases to the store, so it satisfies workflow.Locker.
type Manager struct {
	store  Store
	logger *slog.Logger

	workerID          id.WorkerID
	hostname          string
	heartbeatInterval time.Duration
	leaderTTL         time.Duration

	leader atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHostname overrides the advertised hostname.
func WithHostname(h string) ManagerOption { return func(m *Manager) { m.hostname = h } }

// WithHeartbeatInterval sets how often the worker heartbeats and renews
// leadership.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.heartbeatInterval = d }
}

// WithLeaderTTL sets how long leadership holds without renewal.
func WithLeaderTTL(d time.Duration) ManagerOption { return func(m *Manager) { m.leaderTTL = d } }

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.logger = l } }

// NewManager creates a cluster manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	host, _ := os.Hostname()
	cfg := sequent.DefaultConfig()
	m := &Manager{
		store:             store,
		logger:            slog.Default(),
		workerID:          id.NewWorkerID(),
		hostname:          host,
		heartbeatInterval: cfg.LeaderTTL / 3,
		leaderTTL:         cfg.LeaderTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorkerID returns this instance's worker ID.
func (m *Manager) WorkerID() id.WorkerID { return m.workerID }

// IsLeader reports whether this instance currently holds leadership.
func (m *Manager) IsLeader() bool { return m.leader.Load() }

// Start registers the worker and launches the heartbeat and leadership
// loop. It returns once registration succeeds.
func (m *Manager) Start(ctx context.Context) error {
	now := time.Now().UTC()
	w := &Worker{
		ID:        m.workerID,
		Hostname:  m.hostname,
		State:     WorkerActive,
		LastSeen:  now,
		CreatedAt: now,
	}
	if err := m.store.RegisterWorker(ctx, w); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.loop(loopCtx, done)
	m.logger.Info("cluster worker registered", "worker_id", m.workerID, "hostname", m.hostname)
	return nil
}

// Stop relinquishes leadership, deregisters the worker, and stops the
// background loop.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.leader.Store(false)
	return m.store.DeregisterWorker(ctx, m.workerID)
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick heartbeats and acquires or renews leadership. Losing leadership
// is not an error; the next leader picks up the scheduled work.
func (m *Manager) tick(ctx context.Context) {
	if err := m.store.HeartbeatWorker(ctx, m.workerID); err != nil {
		m.logger.Warn("worker heartbeat failed", "worker_id", m.workerID, "error", err)
	}

	var (
		held bool
		err  error
	)
	if m.leader.Load() {
		held, err = m.store.RenewLeadership(ctx, m.workerID, m.leaderTTL)
	} else {
		held, err = m.store.AcquireLeadership(ctx, m.workerID, m.leaderTTL)
	}
	if err != nil {
		m.logger.Warn("leadership check failed", "worker_id", m.workerID, "error", err)
		return
	}
	if held != m.leader.Swap(held) {
		if held {
			m.logger.Info("leadership acquired", "worker_id", m.workerID)
		} else {
			m.logger.Info("leadership lost", "worker_id", m.workerID)
		}
	}
}

// AcquireLease forwards to the store's keyed leases.
func (m *Manager) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.store.AcquireLease(ctx, key, ttl)
}

// ReleaseLease forwards to the store's keyed leases.
func (m *Manager) ReleaseLease(ctx context.Context, key string) error {
	return m.store.ReleaseLease(ctx, key)
}
