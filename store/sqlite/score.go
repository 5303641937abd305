package sqlite

import (
	"context"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
)

// GetScore retrieves the score row for (tenant, entity).
func (s *Store) GetScore(ctx context.Context, tenantID, entityID string) (*score.Score, error) {
	var (
		row     score.Score
		tierStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, entity_id, raw_score, tier, last_activity_at,
		       last_event_id, version, created_at, updated_at
		FROM sequent_scores
		WHERE tenant_id = ? AND entity_id = ?`,
		tenantID, entityID,
	).Scan(
		&row.TenantID, &row.EntityID, &row.RawScore, &tierStr,
		&row.LastActivityAt, &row.LastEventID, &row.Version, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrScoreNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get score: %w", err)
	}

	row.Tier = score.Tier(tierStr)
	return &row, nil
}

// UpsertScore persists a score row with an optimistic version check. On
// success the incremented version is written back into row.
func (s *Store) UpsertScore(ctx context.Context, row *score.Score) error {
	now := time.Now().UTC()

	if row.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sequent_scores (
				tenant_id, entity_id, raw_score, tier, last_activity_at,
				last_event_id, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			row.TenantID, row.EntityID, row.RawScore, string(row.Tier),
			row.LastActivityAt, row.LastEventID, row.CreatedAt, now,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return sequent.ErrVersionConflict
			}
			return fmt.Errorf("sequent/sqlite: insert score: %w", err)
		}
		row.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_scores
		SET raw_score = ?, tier = ?, last_activity_at = ?,
		    last_event_id = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND entity_id = ? AND version = ?`,
		row.RawScore, string(row.Tier), row.LastActivityAt,
		row.LastEventID, now,
		row.TenantID, row.EntityID, row.Version,
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: update score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequent.ErrVersionConflict
	}
	row.Version++
	return nil
}
