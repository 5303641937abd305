// Package workflow implements the sequencing state machine. A workflow is
// a directed graph of typed nodes with string-keyed edges, stored as data
// and validated fail-closed at load time. An Enrollment is one lead's live
// position inside one workflow; the advancement routine executes nodes and
// follows edges until it hits a wait, a stop, runs off the graph (normal
// completion), or reaches the hop cap.
//
// Two triggers converge on the same advancement routine: HandleEvent wakes
// the enrollments of a lead the moment one of its events is ingested, and
// ProcessDueEnrollments sweeps everything whose next-check time has
// elapsed. A TTL lease keyed by enrollment id plus an optimistic version
// check on every write keep the two from interleaving on one enrollment.
package workflow
