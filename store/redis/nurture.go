package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
)

// CreateNurture inserts a new nurture enrollment. A SETNX guard on the
// active key enforces at most one per (tenant, entity).
func (s *Store) CreateNurture(ctx context.Context, n *nurture.Enrollment) error {
	nID := n.ID.String()

	claimed, err := s.client.SetNX(ctx, nurtureActiveKey(n.TenantID, n.EntityID), nID, 0).Result()
	if err != nil {
		return fmt.Errorf("sequent/redis: claim active nurture: %w", err)
	}
	if !claimed {
		return sequent.ErrNurtureExists
	}

	blob, err := encode(toNurtureModel(n))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, nurtureKey(nID), blob, 0)
	if n.Status == nurture.StatusActive {
		pipe.ZAdd(ctx, nurturesIdleKey, goredis.Z{
			Score:  float64(n.LastActivityAt.UnixNano()),
			Member: nID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: create nurture: %w", err)
	}
	return nil
}

// GetNurture returns a nurture enrollment by ID.
func (s *Store) GetNurture(ctx context.Context, nurtureID id.NurtureID) (*nurture.Enrollment, error) {
	return s.getNurture(ctx, nurtureID.String())
}

// GetActiveNurture returns the active nurture enrollment for a
// (tenant, entity).
func (s *Store) GetActiveNurture(ctx context.Context, tenantID, entityID string) (*nurture.Enrollment, error) {
	nID, err := s.client.Get(ctx, nurtureActiveKey(tenantID, entityID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrNurtureNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get active nurture: %w", err)
	}
	return s.getNurture(ctx, nID)
}

// ListInactiveNurtures returns active nurture enrollments whose last
// activity predates the cutoff, stalest first.
func (s *Store) ListInactiveNurtures(ctx context.Context, cutoff time.Time, limit int) ([]*nurture.Enrollment, error) {
	count := int64(limit)
	if limit <= 0 {
		count = -1
	}

	ids, err := s.client.ZRangeByScore(ctx, nurturesIdleKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list inactive nurtures: %w", err)
	}

	var nurtures []*nurture.Enrollment
	for _, nID := range ids {
		n, getErr := s.getNurture(ctx, nID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrNurtureNotFound) {
				continue
			}
			return nil, getErr
		}
		if n.Status != nurture.StatusActive {
			continue
		}
		nurtures = append(nurtures, n)
	}
	return nurtures, nil
}

// UpdateNurture persists nurture enrollment state and maintains the
// active and idle indexes.
func (s *Store) UpdateNurture(ctx context.Context, n *nurture.Enrollment) error {
	nID := n.ID.String()

	exists, err := s.client.Exists(ctx, nurtureKey(nID)).Result()
	if err != nil {
		return fmt.Errorf("sequent/redis: check nurture: %w", err)
	}
	if exists == 0 {
		return sequent.ErrNurtureNotFound
	}

	model := toNurtureModel(n)
	model.UpdatedAt = time.Now().UTC()
	blob, err := encode(model)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, nurtureKey(nID), blob, 0)
	if n.Status == nurture.StatusActive {
		pipe.Set(ctx, nurtureActiveKey(n.TenantID, n.EntityID), nID, 0)
		pipe.ZAdd(ctx, nurturesIdleKey, goredis.Z{
			Score:  float64(n.LastActivityAt.UnixNano()),
			Member: nID,
		})
	} else {
		pipe.Del(ctx, nurtureActiveKey(n.TenantID, n.EntityID))
		pipe.ZRem(ctx, nurturesIdleKey, nID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: update nurture: %w", err)
	}
	return nil
}

func (s *Store) getNurture(ctx context.Context, nID string) (*nurture.Enrollment, error) {
	blob, err := s.client.Get(ctx, nurtureKey(nID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrNurtureNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get nurture: %w", err)
	}

	var m nurtureModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromNurtureModel(&m)
}
