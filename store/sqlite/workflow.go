package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

// PutDefinition stores a workflow definition under (id, version).
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: marshal nodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sequent_workflows (
			id, tenant_id, name, version, entry_node_id, nodes,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id, version) DO UPDATE
		SET name = excluded.name,
		    entry_node_id = excluded.entry_node_id,
		    nodes = excluded.nodes,
		    updated_at = excluded.updated_at`,
		def.ID.String(), def.TenantID, def.Name, def.Version,
		def.EntryNodeID, nodes, def.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: put definition: %w", err)
	}
	return nil
}

// GetDefinition returns the highest stored version of a workflow.
func (s *Store) GetDefinition(ctx context.Context, tenantID string, workflowID id.WorkflowID) (*workflow.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, version, entry_node_id, nodes,
		       created_at, updated_at
		FROM sequent_workflows
		WHERE tenant_id = ? AND id = ?
		ORDER BY version DESC
		LIMIT 1`,
		tenantID, workflowID.String(),
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get definition: %w", err)
	}
	return def, nil
}

// GetDefinitionVersion returns one exact stored version.
func (s *Store) GetDefinitionVersion(ctx context.Context, tenantID string, workflowID id.WorkflowID, version int) (*workflow.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, version, entry_node_id, nodes,
		       created_at, updated_at
		FROM sequent_workflows
		WHERE tenant_id = ? AND id = ? AND version = ?`,
		tenantID, workflowID.String(), version,
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get definition version: %w", err)
	}
	return def, nil
}

func scanDefinition(row rowScanner) (*workflow.Definition, error) {
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

	if len(nodes) > 0 {
		if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
			return nil, fmt.Errorf("sequent/sqlite: unmarshal nodes: %w", err)
		}
	}

	parsedID, parseErr := id.ParseWorkflowID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse workflow id %q: %w", idStr, parseErr)
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

// CreateEnrollment inserts a new enrollment, enforcing at most one live
// enrollment per (tenant, workflow, entity).
func (s *Store) CreateEnrollment(ctx context.Context, enr *workflow.Enrollment) error {
	var snapshot []byte
	if enr.Snapshot != nil {
		var err error
		snapshot, err = json.Marshal(enr.Snapshot)
		if err != nil {
			return fmt.Errorf("sequent/sqlite: marshal snapshot: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_enrollments (`+enrollmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		enr.ID.String(), enr.WorkflowID.String(), enr.WorkflowVersion,
		enr.TenantID, enr.EntityID, enr.CurrentNodeID, string(enr.Status),
		enr.Outcome, enr.EnteredAt, enr.LastTransition, snapshot,
		nullTime(enr.NextCheckAt), enr.Version, enr.CreatedAt, enr.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sequent.ErrEnrollmentExists
		}
		return fmt.Errorf("sequent/sqlite: create enrollment: %w", err)
	}
	return nil
}

// GetEnrollment returns an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) (*workflow.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequent_enrollments
		WHERE id = ?`,
		enrollmentID.String(),
	)

	enr, err := scanEnrollment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get enrollment: %w", err)
	}
	return enr, nil
}

// GetActiveEnrollment returns the live enrollment for a
// (tenant, workflow, entity).
func (s *Store) GetActiveEnrollment(ctx context.Context, tenantID string, workflowID id.WorkflowID, entityID string) (*workflow.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequent_enrollments
		WHERE tenant_id = ? AND workflow_id = ? AND entity_id = ?
		  AND status IN ('active', 'paused')
		LIMIT 1`,
		tenantID, workflowID.String(), entityID,
	)

	enr, err := scanEnrollment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get active enrollment: %w", err)
	}
	return enr, nil
}

// ListActiveEnrollments returns all active enrollments for an entity.
func (s *Store) ListActiveEnrollments(ctx context.Context, tenantID, entityID string) ([]*workflow.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequent_enrollments
		WHERE tenant_id = ? AND entity_id = ? AND status = 'active'
		ORDER BY entered_at ASC`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list active enrollments: %w", err)
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// ListDueEnrollments returns active enrollments whose NextCheckAt is
// unset or has elapsed, oldest first. NULL sorts first under ASC, so
// interrupted enrollments are recovered ahead of scheduled ones.
func (s *Store) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]*workflow.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM sequent_enrollments
		WHERE status = 'active'
		  AND (next_check_at IS NULL OR next_check_at <= ?)
		ORDER BY next_check_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list due enrollments: %w", err)
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// UpdateEnrollment persists enrollment state using compare-and-swap on
// the version column. On success the incremented version is written back
// into enr.
func (s *Store) UpdateEnrollment(ctx context.Context, enr *workflow.Enrollment) error {
	var snapshot []byte
	if enr.Snapshot != nil {
		var err error
		snapshot, err = json.Marshal(enr.Snapshot)
		if err != nil {
			return fmt.Errorf("sequent/sqlite: marshal snapshot: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_enrollments
		SET current_node_id = ?, status = ?, outcome = ?,
		    last_transition_at = ?, snapshot = ?, next_check_at = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		enr.CurrentNodeID, string(enr.Status), enr.Outcome,
		enr.LastTransition, snapshot, nullTime(enr.NextCheckAt),
		time.Now().UTC(), enr.ID.String(), enr.Version,
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: update enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sequent_enrollments WHERE id = ?)`,
			enr.ID.String(),
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("sequent/sqlite: check enrollment: %w", checkErr)
		}
		if !exists {
			return sequent.ErrEnrollmentNotFound
		}
		return sequent.ErrVersionConflict
	}
	enr.Version++
	return nil
}

func scanEnrollment(row rowScanner) (*workflow.Enrollment, error) {
	var (
		enr       workflow.Enrollment
		idStr     string
		wfStr     string
		statusStr string
		snapshot  []byte
		nextCheck sql.NullTime
	)
	err := row.Scan(
		&idStr, &wfStr, &enr.WorkflowVersion, &enr.TenantID, &enr.EntityID,
		&enr.CurrentNodeID, &statusStr, &enr.Outcome, &enr.EnteredAt,
		&enr.LastTransition, &snapshot, &nextCheck, &enr.Version,
		&enr.CreatedAt, &enr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	enr.Status = workflow.Status(statusStr)
	enr.NextCheckAt = timePtr(nextCheck)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &enr.Snapshot); err != nil {
			return nil, fmt.Errorf("sequent/sqlite: unmarshal snapshot: %w", err)
		}
	}

	parsedID, parseErr := id.ParseEnrollmentID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse enrollment id %q: %w", idStr, parseErr)
	}
	enr.ID = parsedID

	parsedWf, parseErr := id.ParseWorkflowID(wfStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse workflow id %q: %w", wfStr, parseErr)
	}
	enr.WorkflowID = parsedWf

	return &enr, nil
}

func collectEnrollments(rows *sql.Rows) ([]*workflow.Enrollment, error) {
	var enrollments []*workflow.Enrollment
	for rows.Next() {
		enr, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("sequent/sqlite: scan enrollment: %w", err)
		}
		enrollments = append(enrollments, enr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/sqlite: iterate enrollments: %w", err)
	}
	return enrollments, nil
}
