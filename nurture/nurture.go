// Package nurture is the policy layer above the workflow engine for
// long-tail leads. Leads that stall in their primary sequence drop into
// a slow-cadence holding track; renewed engagement pulls them back into
// active sequencing. Content delivery still runs through ordinary
// workflow mechanics; the nurture record tracks track membership,
// cadence position, and activity recency.
package nurture

import (
	"context"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Status is the lifecycle state of a nurture enrollment.
type Status string

const (
	// StatusActive means the lead is on the nurture track.
	StatusActive Status = "active"
	// StatusExited means the lead re-entered active sequencing.
	StatusExited Status = "exited"
	// StatusArchived is terminal: roughly a year of silence. Archived
	// leads are not automatically re-enrollable.
	StatusArchived Status = "archived"
)

// Enrollment tracks one lead's position on the nurture track,
// independent of but coordinating with the primary workflow engine.
type Enrollment struct {
	sequent.Entity

	ID         id.NurtureID  `json:"id"`
	TenantID   string        `json:"tenant_id"`
	EntityID   string        `json:"entity_id"`
	WorkflowID id.WorkflowID `json:"nurture_workflow_id"`

	// EnrollmentID is the underlying workflow enrollment driving content
	// delivery.
	EnrollmentID id.EnrollmentID `json:"enrollment_id"`

	Status Status `json:"status"`

	// NextSendAt is the randomized first-touch time, 30 to 45 days out.
	NextSendAt time.Time `json:"next_send_at"`

	// ContentIndex is the lead's position in the nurture content
	// sequence, advanced on each observed nurture send.
	ContentIndex int `json:"content_index"`

	EnrolledAt     time.Time `json:"enrolled_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExitReason     string    `json:"exit_reason,omitempty"`
}

// Store defines the persistence contract for nurture enrollments.
type Store interface {
	// CreateNurture inserts a new nurture enrollment. Returns
	// sequent.ErrNurtureExists when an active one already covers the
	// same (tenant, entity).
	CreateNurture(ctx context.Context, n *Enrollment) error

	// GetNurture returns a nurture enrollment by ID, or
	// sequent.ErrNurtureNotFound.
	GetNurture(ctx context.Context, nurtureID id.NurtureID) (*Enrollment, error)

	// GetActiveNurture returns the active nurture enrollment for a
	// (tenant, entity), or sequent.ErrNurtureNotFound.
	GetActiveNurture(ctx context.Context, tenantID, entityID string) (*Enrollment, error)

	// ListInactiveNurtures returns up to limit active nurture
	// enrollments whose last activity predates the cutoff.
	ListInactiveNurtures(ctx context.Context, cutoff time.Time, limit int) ([]*Enrollment, error)

	// UpdateNurture persists nurture enrollment state.
	UpdateNurture(ctx context.Context, n *Enrollment) error
}
