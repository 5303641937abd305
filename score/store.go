package score

import "context"

// Store defines the persistence contract for lead scores.
type Store interface {
	// GetScore retrieves the score row for (tenant, entity).
	// Returns sequent.ErrScoreNotFound if the lead has no row yet.
	GetScore(ctx context.Context, tenantID, entityID string) (*Score, error)

	// UpsertScore persists a score row with an optimistic version check:
	// a row with Version 0 is inserted (sequent.ErrVersionConflict if one
	// already exists); otherwise the stored row must still carry the same
	// Version or sequent.ErrVersionConflict is returned. On success the
	// stored Version is incremented.
	UpsertScore(ctx context.Context, s *Score) error
}
