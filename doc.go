// Package sequent provides a composable outreach sequencing engine for Go.
// It ingests interaction events, maintains decaying lead scores, advances
// leads through data-defined workflow graphs, and routes cold leads into a
// slow-cadence nurture track — all behind pluggable store backends.
//
// Sequent is designed as a library, not a service. Import it, configure a
// store, register workflow definitions, and feed it events.
//
// # Quick Start
//
//	s, err := sequent.New(
//	    sequent.WithStore(memory.New()),
//	    sequent.WithSweepConcurrency(8),
//	)
//	eng, err := engine.Build(s)
//	err = eng.Start(ctx)
//
// # Architecture
//
// Sequent follows a composable store pattern where each subsystem (event,
// score, workflow, nurture, fault, cluster) defines its own store interface.
// A single backend implements all of them, plus the suppression ledger.
//
// Two independent triggers converge on the same per-enrollment advancement
// routine: event ingestion wakes the enrollments of the affected lead
// immediately, and a periodic scheduler sweep advances everything whose
// next-check time has elapsed. A TTL lease plus an optimistic version check
// keep the two triggers from interleaving on the same enrollment.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package sequent
