// Package fault is the dead-letter log for failed node executions. The
// engine records a fault and halts the enrollment in place; nothing is
// retried automatically. Operators inspect the log and replay entries
// once the underlying cause is fixed.
package fault

import (
	"context"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Entry captures one failed node execution with enough context to
// diagnose and replay it.
type Entry struct {
	ID           id.FaultID      `json:"id"`
	EnrollmentID id.EnrollmentID `json:"enrollment_id"`
	TenantID     string          `json:"tenant_id"`
	EntityID     string          `json:"entity_id"`
	WorkflowID   id.WorkflowID   `json:"workflow_id"`
	NodeID       string          `json:"node_id"`
	Error        string          `json:"error"`
	FailedAt     time.Time       `json:"failed_at"`
	ReplayedAt   *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListOpts controls pagination and filtering for fault list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
}

// Store defines the persistence contract for the fault log.
type Store interface {
	// PushFault adds a failed execution entry to the log.
	PushFault(ctx context.Context, entry *Entry) error

	// ListFaults returns fault entries matching the given options,
	// newest first.
	ListFaults(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetFault retrieves a fault entry by ID.
	GetFault(ctx context.Context, faultID id.FaultID) (*Entry, error)

	// ReplayFault marks a fault entry as replayed. The actual
	// re-advancement is handled at the service layer.
	ReplayFault(ctx context.Context, faultID id.FaultID) error

	// PurgeFaults removes entries with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeFaults(ctx context.Context, before time.Time) (int64, error)

	// CountFaults returns the total number of entries in the log.
	CountFaults(ctx context.Context) (int64, error)
}
