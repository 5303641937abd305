package workflow

import (
	"context"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Store persists workflow definitions and enrollments.
//
// Implementations must enforce two invariants:
//   - at most one active enrollment per (tenant_id, workflow_id,
//     entity_id); CreateEnrollment returns sequent.ErrEnrollmentExists
//     when one already exists.
//   - UpdateEnrollment is compare-and-swap on Version: the update applies
//     only when the stored version equals the caller's, and the store
//     increments Version on success. A mismatch returns
//     sequent.ErrVersionConflict.
type Store interface {
	// PutDefinition stores a workflow definition under (id, version).
	// Definitions are immutable once stored; re-putting an existing
	// version overwrites it byte-for-byte or not at all.
	PutDefinition(ctx context.Context, def *Definition) error

	// GetDefinition returns the highest stored version of a workflow,
	// or sequent.ErrWorkflowNotFound.
	GetDefinition(ctx context.Context, tenantID string, workflowID id.WorkflowID) (*Definition, error)

	// GetDefinitionVersion returns one exact version, or
	// sequent.ErrWorkflowNotFound. Running enrollments resolve their
	// pinned version through this.
	GetDefinitionVersion(ctx context.Context, tenantID string, workflowID id.WorkflowID, version int) (*Definition, error)

	// CreateEnrollment inserts a new enrollment. Returns
	// sequent.ErrEnrollmentExists when an active enrollment for the same
	// (tenant, workflow, entity) already exists.
	CreateEnrollment(ctx context.Context, enr *Enrollment) error

	// GetEnrollment returns an enrollment by ID, or
	// sequent.ErrEnrollmentNotFound.
	GetEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) (*Enrollment, error)

	// GetActiveEnrollment returns the active enrollment for a
	// (tenant, workflow, entity), or sequent.ErrEnrollmentNotFound.
	GetActiveEnrollment(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string) (*Enrollment, error)

	// ListActiveEnrollments returns all active enrollments for an entity
	// across workflows.
	ListActiveEnrollments(ctx context.Context, tenantID, entityID string) ([]*Enrollment, error)

	// ListDueEnrollments returns up to limit active enrollments whose
	// NextCheckAt is unset or not after now, ordered oldest first with
	// unset treated as most overdue. An unset NextCheckAt on an active
	// enrollment means advancement was interrupted before the next check
	// was armed; the sweep must pick it back up.
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error)

	// UpdateEnrollment persists enrollment state using CAS on Version.
	// On success the incremented version is written back into enr so the
	// caller can keep advancing the same struct.
	UpdateEnrollment(ctx context.Context, enr *Enrollment) error
}
