package sequent

import "time"

// Config holds configuration for the Sequencer.
type Config struct {
	// MaxHops caps node-to-node hops within a single advancement call,
	// bounding work when a workflow graph contains a cycle.
	MaxHops int

	// SweepConcurrency is the maximum number of enrollments advanced
	// concurrently during a scheduler sweep.
	SweepConcurrency int

	// SweepBatchLimit caps how many due enrollments one sweep selects.
	// Zero means no limit.
	SweepBatchLimit int

	// SweepSchedule is the cron expression for the due-enrollment sweep.
	SweepSchedule string

	// ArchiveSchedule is the cron expression for the nurture archive sweep.
	ArchiveSchedule string

	// PurgeSchedule is the cron expression for fault-log retention.
	PurgeSchedule string

	// FaultRetention is how long fault entries are kept before purging.
	FaultRetention time.Duration

	// AdvanceTimeout bounds a single enrollment advancement call.
	AdvanceTimeout time.Duration

	// LeaseTTL is the TTL on the per-enrollment advancement lease.
	LeaseTTL time.Duration

	// LeaderTTL is the TTL for scheduler leader election.
	LeaderTTL time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:          20,
		SweepConcurrency: 8,
		SweepBatchLimit:  500,
		SweepSchedule:    "@every 1m",
		ArchiveSchedule:  "@every 24h",
		PurgeSchedule:    "@every 24h",
		FaultRetention:   30 * 24 * time.Hour,
		AdvanceTimeout:   30 * time.Second,
		LeaseTTL:         30 * time.Second,
		LeaderTTL:        15 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}
