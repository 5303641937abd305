package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

// PutDefinition stores a workflow definition under (id, version).
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	model, err := toDefinitionModel(def)
	if err != nil {
		return err
	}
	blob, err := encode(model)
	if err != nil {
		return err
	}

	wfID := def.ID.String()
	if err := s.client.Set(ctx, definitionKey(def.TenantID, wfID, def.Version), blob, 0).Err(); err != nil {
		return fmt.Errorf("sequent/redis: put definition: %w", err)
	}

	// Bump the latest-version pointer only forward.
	latestKey := definitionLatestKey(def.TenantID, wfID)
	current, err := s.client.Get(ctx, latestKey).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("sequent/redis: get latest version: %w", err)
	}
	if def.Version > current {
		if err := s.client.Set(ctx, latestKey, def.Version, 0).Err(); err != nil {
			return fmt.Errorf("sequent/redis: set latest version: %w", err)
		}
	}
	return nil
}

// GetDefinition returns the highest stored version of a workflow.
func (s *Store) GetDefinition(ctx context.Context, tenantID string, workflowID id.WorkflowID) (*workflow.Definition, error) {
	latest, err := s.client.Get(ctx, definitionLatestKey(tenantID, workflowID.String())).Int()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get latest version: %w", err)
	}
	return s.GetDefinitionVersion(ctx, tenantID, workflowID, latest)
}

// GetDefinitionVersion returns one exact stored version.
func (s *Store) GetDefinitionVersion(ctx context.Context, tenantID string, workflowID id.WorkflowID, version int) (*workflow.Definition, error) {
	blob, err := s.client.Get(ctx, definitionKey(tenantID, workflowID.String(), version)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get definition: %w", err)
	}

	var m definitionModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromDefinitionModel(&m)
}

// ──────────────────────────────────────────────────
// Enrollments
// ──────────────────────────────────────────────────

// CreateEnrollment inserts a new enrollment. A SETNX guard on the live
// key enforces at most one live enrollment per (tenant, workflow, entity).
func (s *Store) CreateEnrollment(ctx context.Context, enr *workflow.Enrollment) error {
	eID := enr.ID.String()
	liveKey := enrollmentLiveKey(enr.TenantID, enr.WorkflowID.String(), enr.EntityID)

	claimed, err := s.client.SetNX(ctx, liveKey, eID, 0).Result()
	if err != nil {
		return fmt.Errorf("sequent/redis: claim live enrollment: %w", err)
	}
	if !claimed {
		return sequent.ErrEnrollmentExists
	}

	blob, err := encode(toEnrollmentModel(enr))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, enrollmentKey(eID), blob, 0)
	pipe.Set(ctx, enrollmentVerKey(eID), enr.Version, 0)
	pipe.SAdd(ctx, enrollmentsByEntityKey(enr.TenantID, enr.EntityID), eID)
	if enr.Status == workflow.StatusActive {
		pipe.ZAdd(ctx, enrollmentsDueKey, goredis.Z{
			Score:  dueScore(enr.NextCheckAt),
			Member: eID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: create enrollment: %w", err)
	}
	return nil
}

// GetEnrollment returns an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) (*workflow.Enrollment, error) {
	return s.getEnrollment(ctx, enrollmentID.String())
}

// GetActiveEnrollment returns the live enrollment for a
// (tenant, workflow, entity).
func (s *Store) GetActiveEnrollment(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string) (*workflow.Enrollment, error) {
	eID, err := s.client.Get(ctx, enrollmentLiveKey(tenantID, workflowID.String(), entityID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get live enrollment: %w", err)
	}
	return s.getEnrollment(ctx, eID)
}

// ListActiveEnrollments returns all active enrollments for an entity.
func (s *Store) ListActiveEnrollments(ctx context.Context, tenantID, entityID string) ([]*workflow.Enrollment, error) {
	ids, err := s.client.SMembers(ctx, enrollmentsByEntityKey(tenantID, entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list entity enrollments: %w", err)
	}

	var enrollments []*workflow.Enrollment
	for _, eID := range ids {
		enr, getErr := s.getEnrollment(ctx, eID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrEnrollmentNotFound) {
				continue
			}
			return nil, getErr
		}
		if enr.Status != workflow.StatusActive {
			continue
		}
		enrollments = append(enrollments, enr)
	}
	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].EnteredAt.Before(enrollments[j].EnteredAt)
	})
	return enrollments, nil
}

// dueScore maps an enrollment's NextCheckAt to its position in the due
// ZSET. Unset scores as 0 so interrupted enrollments rank as most
// overdue and the next sweep recovers them.
func dueScore(nextCheckAt *time.Time) float64 {
	if nextCheckAt == nil {
		return 0
	}
	return float64(nextCheckAt.UnixNano())
}

// ListDueEnrollments returns active enrollments whose NextCheckAt is
// unset or has elapsed, oldest first.
func (s *Store) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]*workflow.Enrollment, error) {
	count := int64(limit)
	if limit <= 0 {
		count = -1
	}

	ids, err := s.client.ZRangeByScore(ctx, enrollmentsDueKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list due enrollments: %w", err)
	}

	var enrollments []*workflow.Enrollment
	for _, eID := range ids {
		enr, getErr := s.getEnrollment(ctx, eID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrEnrollmentNotFound) {
				continue
			}
			return nil, getErr
		}
		if enr.Status != workflow.StatusActive {
			continue
		}
		enrollments = append(enrollments, enr)
	}
	return enrollments, nil
}

// UpdateEnrollment persists enrollment state through the CAS script and
// maintains the live and due indexes. On success the incremented version
// is written back into enr.
func (s *Store) UpdateEnrollment(ctx context.Context, enr *workflow.Enrollment) error {
	eID := enr.ID.String()

	model := toEnrollmentModel(enr)
	model.Version = enr.Version + 1
	model.UpdatedAt = time.Now().UTC()

	blob, err := encode(model)
	if err != nil {
		return err
	}

	newVersion, err := casScript.Run(ctx, s.client,
		[]string{enrollmentVerKey(eID), enrollmentKey(eID)},
		enr.Version, blob,
	).Int64()
	if err != nil {
		return fmt.Errorf("sequent/redis: update enrollment: %w", err)
	}
	if newVersion == 0 {
		exists, existsErr := s.client.Exists(ctx, enrollmentKey(eID)).Result()
		if existsErr != nil {
			return fmt.Errorf("sequent/redis: check enrollment: %w", existsErr)
		}
		if exists == 0 {
			return sequent.ErrEnrollmentNotFound
		}
		return sequent.ErrVersionConflict
	}

	pipe := s.client.TxPipeline()
	if enr.Terminal() {
		pipe.Del(ctx, enrollmentLiveKey(enr.TenantID, enr.WorkflowID.String(), enr.EntityID))
	}
	if enr.Status == workflow.StatusActive {
		pipe.ZAdd(ctx, enrollmentsDueKey, goredis.Z{
			Score:  dueScore(enr.NextCheckAt),
			Member: eID,
		})
	} else {
		pipe.ZRem(ctx, enrollmentsDueKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: update enrollment indexes: %w", err)
	}

	enr.Version = newVersion
	return nil
}

func (s *Store) getEnrollment(ctx context.Context, eID string) (*workflow.Enrollment, error) {
	blob, err := s.client.Get(ctx, enrollmentKey(eID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get enrollment: %w", err)
	}

	var m enrollmentModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromEnrollmentModel(&m)
}
