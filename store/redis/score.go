package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
)

// GetScore retrieves the score row for (tenant, entity).
func (s *Store) GetScore(ctx context.Context, tenantID, entityID string) (*score.Score, error) {
	blob, err := s.client.Get(ctx, scoreKey(tenantID, entityID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrScoreNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get score: %w", err)
	}

	var m scoreModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromScoreModel(&m), nil
}

// UpsertScore persists a score row through the CAS script. On success
// the incremented version is written back into row.
func (s *Store) UpsertScore(ctx context.Context, row *score.Score) error {
	model := toScoreModel(row)
	model.Version = row.Version + 1

	blob, err := encode(model)
	if err != nil {
		return err
	}

	newVersion, err := casScript.Run(ctx, s.client,
		[]string{scoreVerKey(row.TenantID, row.EntityID), scoreKey(row.TenantID, row.EntityID)},
		row.Version, blob,
	).Int64()
	if err != nil {
		return fmt.Errorf("sequent/redis: upsert score: %w", err)
	}
	if newVersion == 0 {
		return sequent.ErrVersionConflict
	}
	row.Version = newVersion
	return nil
}
