// Package cluster coordinates multiple sequencer instances: worker
// registration with heartbeats, TTL-based leader election, and keyed
// leases for per-enrollment mutual exclusion.
//
// One instance at a time holds leadership. The leader runs the scheduled
// sweeps (due enrollments, nurture archival, fault purging); followers
// ingest events and advance enrollments under keyed leases.
package cluster

import (
	"context"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// WorkerState represents the lifecycle state of a worker instance.
type WorkerState string

const (
	// WorkerActive means the instance is healthy and advancing enrollments.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the instance is finishing in-flight
	// advancements but not picking up new ones (graceful shutdown).
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the instance stopped heartbeating.
	WorkerDead WorkerState = "dead"
)

// Worker represents one sequencer instance in a cluster.
type Worker struct {
	ID          id.WorkerID       `json:"id"`
	Hostname    string            `json:"hostname"`
	State       WorkerState       `json:"state"`
	IsLeader    bool              `json:"is_leader"`
	LeaderUntil *time.Time        `json:"leader_until,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Store defines the persistence contract for cluster coordination.
type Store interface {
	// RegisterWorker adds a worker to the cluster registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the cluster registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker updates the last-seen timestamp for a worker.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ReapDeadWorkers returns workers whose last-seen timestamp is older
	// than the given threshold.
	ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*Worker, error)

	// AcquireLeadership attempts to become the cluster leader. Returns
	// true if this worker is now leader. Leadership expires after ttl
	// unless renewed.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the leader's hold. Must be called before
	// the TTL expires.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current cluster leader, or nil when no
	// leader is held.
	GetLeader(ctx context.Context) (*Worker, error)

	// AcquireLease takes a non-blocking keyed TTL lease. Returns false
	// when another holder has it. The engine keys leases by enrollment
	// ID; the scheduler keys them by task name.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLease drops a keyed lease. Releasing an unheld lease is a
	// no-op.
	ReleaseLease(ctx context.Context, key string) error
}
