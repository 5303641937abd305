package workflow

import (
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Status is the lifecycle state of an enrollment.
// active → {completed | stopped} are permanent; active ↔ paused is driven
// externally, never by the engine itself.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// OutcomeCompleted is the outcome recorded when a workflow runs off its
// last node — the normal success path.
const OutcomeCompleted = "completed"

// snapshotPendingSends is the snapshot key under which send nodes queue
// their pending-send intents for the mail dispatch collaborator.
const snapshotPendingSends = "pending_sends"

// SendIntent is one queued outbound email, recorded in the enrollment
// snapshot. Actual transport happens outside the engine; the collaborator
// reports delivery outcomes back in as new ingested events.
type SendIntent struct {
	NodeID     string    `json:"node_id"`
	TemplateID string    `json:"template_id"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body,omitempty"`
	Recipient  string    `json:"recipient"`
	QueuedAt   time.Time `json:"queued_at"`
}

// Enrollment is one lead's mutable position inside one workflow.
// At most one active enrollment exists per (tenant, workflow, entity).
// Terminal enrollments are never reactivated; a fresh enrollment is
// created instead.
type Enrollment struct {
	sequent.Entity

	ID              id.EnrollmentID `json:"id"`
	WorkflowID      id.WorkflowID   `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	TenantID        string          `json:"tenant_id"`
	EntityID        string          `json:"entity_id"`
	CurrentNodeID   string          `json:"current_node_id"`
	Status          Status          `json:"status"`
	Outcome         string          `json:"outcome,omitempty"`
	EnteredAt       time.Time       `json:"entered_at"`
	LastTransition  time.Time       `json:"last_transition_at"`

	// Snapshot is the enrollment-local state carried across node
	// transitions: field updates, pending-send intents. It is not global
	// lead state.
	Snapshot map[string]any `json:"state_snapshot,omitempty"`

	// NextCheckAt is the data representation of a wait: the engine never
	// blocks, it persists a future check time and returns.
	NextCheckAt *time.Time `json:"next_check_at,omitempty"`

	// Version guards concurrent advancement. Stores reject an update
	// whose Version does not match the stored row.
	Version int64 `json:"version"`
}

// Terminal reports whether the enrollment is in an absorbing state.
func (e *Enrollment) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusStopped
}

// Field returns a snapshot field value.
func (e *Enrollment) Field(name string) any {
	if e.Snapshot == nil {
		return nil
	}
	return e.Snapshot[name]
}

// queueSendIntent appends a pending-send intent to the snapshot.
func (e *Enrollment) queueSendIntent(intent SendIntent) {
	if e.Snapshot == nil {
		e.Snapshot = make(map[string]any)
	}
	pending, _ := e.Snapshot[snapshotPendingSends].([]any)
	e.Snapshot[snapshotPendingSends] = append(pending, intent)
}

// PendingSends returns the send intents queued so far.
func (e *Enrollment) PendingSends() []SendIntent {
	raw, _ := e.Snapshot[snapshotPendingSends].([]any)
	out := make([]SendIntent, 0, len(raw))
	for _, v := range raw {
		if intent, ok := v.(SendIntent); ok {
			out = append(out, intent)
		}
	}
	return out
}
