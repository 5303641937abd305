package postgres

import (
	"context"
	"fmt"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
)

// GetScore retrieves the score row for (tenant, entity).
func (s *Store) GetScore(ctx context.Context, tenantID, entityID string) (*score.Score, error) {
	var (
		row     score.Score
		tierStr string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, entity_id, raw_score, tier, last_activity_at,
		       last_event_id, version, created_at, updated_at
		FROM sequent_scores
		WHERE tenant_id = $1 AND entity_id = $2`,
		tenantID, entityID,
	).Scan(
		&row.TenantID, &row.EntityID, &row.RawScore, &tierStr,
		&row.LastActivityAt, &row.LastEventID, &row.Version, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrScoreNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get score: %w", err)
	}

	row.Tier = score.Tier(tierStr)
	return &row, nil
}

// UpsertScore persists a score row with an optimistic version check.
// Version 0 inserts a fresh row; any other version must match the stored
// row or the write is rejected with ErrVersionConflict. On success the
// incremented version is written back into s.
func (s *Store) UpsertScore(ctx context.Context, row *score.Score) error {
	if row.Version == 0 {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sequent_scores (
				tenant_id, entity_id, raw_score, tier, last_activity_at,
				last_event_id, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, NOW())`,
			row.TenantID, row.EntityID, row.RawScore, string(row.Tier),
			row.LastActivityAt, row.LastEventID, row.CreatedAt,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return sequent.ErrVersionConflict
			}
			return fmt.Errorf("sequent/postgres: insert score: %w", err)
		}
		row.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_scores
		SET raw_score = $3, tier = $4, last_activity_at = $5,
		    last_event_id = $6, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND entity_id = $2 AND version = $7`,
		row.TenantID, row.EntityID, row.RawScore, string(row.Tier),
		row.LastActivityAt, row.LastEventID, row.Version,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: update score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sequent.ErrVersionConflict
	}
	row.Version++
	return nil
}
