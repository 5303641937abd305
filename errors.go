package sequent

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("sequent: no store configured")
	ErrStoreClosed     = errors.New("sequent: store closed")
	ErrMigrationFailed = errors.New("sequent: migration failed")

	// Not found errors.
	ErrEventNotFound      = errors.New("sequent: event not found")
	ErrScoreNotFound      = errors.New("sequent: lead score not found")
	ErrWorkflowNotFound   = errors.New("sequent: workflow definition not found")
	ErrNodeNotFound       = errors.New("sequent: workflow node not found")
	ErrEnrollmentNotFound = errors.New("sequent: enrollment not found")
	ErrNurtureNotFound    = errors.New("sequent: nurture enrollment not found")
	ErrFaultNotFound      = errors.New("sequent: fault entry not found")
	ErrWorkerNotFound     = errors.New("sequent: worker not found")

	// Conflict errors.
	ErrDuplicateEvent   = errors.New("sequent: duplicate event (dedupe key already ingested)")
	ErrEnrollmentExists = errors.New("sequent: enrollment already exists")
	ErrNurtureExists    = errors.New("sequent: nurture enrollment already exists")
	ErrVersionConflict  = errors.New("sequent: concurrent update (version conflict)")

	// State and configuration errors.
	ErrNotBuilt          = errors.New("sequent: sequencer not built (use engine.Build)")
	ErrInvalidState      = errors.New("sequent: invalid state transition")
	ErrInvalidDefinition = errors.New("sequent: invalid workflow definition")
	ErrNurtureIneligible = errors.New("sequent: lead not eligible for nurture")
)
