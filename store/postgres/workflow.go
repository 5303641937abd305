package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

// PutDefinition stores a workflow definition under (id, version). The
// node graph is stored as JSONB.
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	nodes, err := marshalJSON(def.Nodes)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequent_workflows (
			id, tenant_id, name, version, entry_node_id, nodes,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id, version) DO UPDATE
		SET name = EXCLUDED.name,
		    entry_node_id = EXCLUDED.entry_node_id,
		    nodes = EXCLUDED.nodes,
		    updated_at = NOW()`,
		def.ID.String(), def.TenantID, def.Name, def.Version,
		def.EntryNodeID, nodes, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: put definition: %w", err)
	}
	return nil
}

// GetDefinition returns the highest stored version of a workflow.
func (s *Store) GetDefinition(ctx context.Context, tenantID string, workflowID id.WorkflowID) (*workflow.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, version, entry_node_id, nodes,
		       created_at, updated_at
		FROM sequent_workflows
		WHERE tenant_id = $1 AND id = $2
		ORDER BY version DESC
		LIMIT 1`,
		tenantID, workflowID.String(),
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get definition: %w", err)
	}
	return def, nil
}

// GetDefinitionVersion returns one exact stored version.
func (s *Store) GetDefinitionVersion(ctx context.Context, tenantID string, workflowID id.WorkflowID, version int) (*workflow.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, version, entry_node_id, nodes,
		       created_at, updated_at
		FROM sequent_workflows
		WHERE tenant_id = $1 AND id = $2 AND version = $3`,
		tenantID, workflowID.String(), version,
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get definition version: %w", err)
	}
	return def, nil
}

func scanDefinition(row pgx.Row) (*workflow.Definition, error) {
	var (
		def   workflow.Definition
		idStr string
		nodes []byte
	)
	err := row.Scan(
		&idStr, &def.TenantID, &def.Name, &def.Version, &def.EntryNodeID,
		&nodes, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(nodes, &def.Nodes); err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseWorkflowID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse workflow id %q: %w", idStr, parseErr)
	}
	def.ID = parsedID

	return &def, nil
}

// ──────────────────────────────────────────────────
// Enrollments
// ──────────────────────────────────────────────────

const enrollmentColumns = `
	id, workflow_id, workflow_version, tenant_id, entity_id,
	current_node_id, status, outcome, entered_at, last_transition_at,
	snapshot, next_check_at, version, created_at, updated_at`

// CreateEnrollment inserts a new enrollment. A partial unique index on
// live rows enforces at most one per (tenant, workflow, entity) and
// surfaces a second insert as ErrEnrollmentExists.
func (s *Store) CreateEnrollment(ctx context.Context, enr *workflow.Enrollment) error {
	snapshot, err := marshalJSON(enr.Snapshot)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequent_enrollments (
			id, workflow_id, workflow_version, tenant_id, entity_id,
			current_node_id, status, outcome, entered_at, last_transition_at,
			snapshot, next_check_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		enr.ID.String(), enr.WorkflowID.String(), enr.WorkflowVersion,
		enr.TenantID, enr.EntityID, enr.CurrentNodeID, string(enr.Status),
		enr.Outcome, enr.EnteredAt, enr.LastTransition, snapshot,
		enr.NextCheckAt, enr.Version, enr.CreatedAt, enr.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sequent.ErrEnrollmentExists
		}
		return fmt.Errorf("sequent/postgres: create enrollment: %w", err)
	}
	return nil
}

// GetEnrollment returns an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) (*workflow.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequent_enrollments
		WHERE id = $1`,
		enrollmentID.String(),
	)

	enr, err := scanEnrollment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get enrollment: %w", err)
	}
	return enr, nil
}

// GetActiveEnrollment returns the live enrollment for a
// (tenant, workflow, entity).
func (s *Store) GetActiveEnrollment(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string) (*workflow.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequent_enrollments
		WHERE tenant_id = $1 AND workflow_id = $2 AND entity_id = $3
		  AND status IN ('active', 'paused')
		LIMIT 1`,
		tenantID, workflowID.String(), entityID,
	)

	enr, err := scanEnrollment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get active enrollment: %w", err)
	}
	return enr, nil
}

// ListActiveEnrollments returns all active enrollments for an entity.
func (s *Store) ListActiveEnrollments(ctx context.Context, tenantID, entityID string) ([]*workflow.Enrollment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequent_enrollments
		WHERE tenant_id = $1 AND entity_id = $2 AND status = 'active'
		ORDER BY entered_at ASC`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list active enrollments: %w", err)
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// ListDueEnrollments returns active enrollments whose NextCheckAt is
// unset or has elapsed, oldest first. NULLS FIRST recovers interrupted
// enrollments ahead of scheduled ones.
func (s *Store) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]*workflow.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM sequent_enrollments
		WHERE status = 'active'
		  AND (next_check_at IS NULL OR next_check_at <= $1)
		ORDER BY next_check_at ASC NULLS FIRST`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list due enrollments: %w", err)
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// UpdateEnrollment persists enrollment state using compare-and-swap on
// the version column. On success the incremented version is written back
// into enr.
func (s *Store) UpdateEnrollment(ctx context.Context, enr *workflow.Enrollment) error {
	snapshot, err := marshalJSON(enr.Snapshot)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_enrollments
		SET current_node_id = $2, status = $3, outcome = $4,
		    last_transition_at = $5, snapshot = $6, next_check_at = $7,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $8`,
		enr.ID.String(), enr.CurrentNodeID, string(enr.Status), enr.Outcome,
		enr.LastTransition, snapshot, enr.NextCheckAt, enr.Version,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: update enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM sequent_enrollments WHERE id = $1)`,
			enr.ID.String(),
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("sequent/postgres: check enrollment: %w", checkErr)
		}
		if !exists {
			return sequent.ErrEnrollmentNotFound
		}
		return sequent.ErrVersionConflict
	}
	enr.Version++
	return nil
}

func scanEnrollment(row pgx.Row) (*workflow.Enrollment, error) {
	var (
		enr       workflow.Enrollment
		idStr     string
		wfStr     string
		statusStr string
		snapshot  []byte
	)
	err := row.Scan(
		&idStr, &wfStr, &enr.WorkflowVersion, &enr.TenantID, &enr.EntityID,
		&enr.CurrentNodeID, &statusStr, &enr.Outcome, &enr.EnteredAt,
		&enr.LastTransition, &snapshot, &enr.NextCheckAt, &enr.Version,
		&enr.CreatedAt, &enr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	enr.Status = workflow.Status(statusStr)
	if err := unmarshalJSON(snapshot, &enr.Snapshot); err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseEnrollmentID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse enrollment id %q: %w", idStr, parseErr)
	}
	enr.ID = parsedID

	parsedWf, parseErr := id.ParseWorkflowID(wfStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse workflow id %q: %w", wfStr, parseErr)
	}
	enr.WorkflowID = parsedWf

	return &enr, nil
}

func collectEnrollments(rows pgx.Rows) ([]*workflow.Enrollment, error) {
	var enrollments []*workflow.Enrollment
	for rows.Next() {
		enr, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("sequent/postgres: scan enrollment: %w", err)
		}
		enrollments = append(enrollments, enr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/postgres: iterate enrollments: %w", err)
	}
	return enrollments, nil
}
