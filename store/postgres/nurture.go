package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
)

const nurtureColumns = `
	id, tenant_id, entity_id, nurture_workflow_id, enrollment_id,
	status, next_send_at, content_index, enrolled_at, last_activity_at,
	exit_reason, created_at, updated_at`

// CreateNurture inserts a new nurture enrollment. A partial unique index
// on active rows enforces at most one per (tenant, entity).
func (s *Store) CreateNurture(ctx context.Context, n *nurture.Enrollment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sequent_nurtures (
			id, tenant_id, entity_id, nurture_workflow_id, enrollment_id,
			status, next_send_at, content_index, enrolled_at, last_activity_at,
			exit_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID.String(), n.TenantID, n.EntityID, n.WorkflowID.String(),
		n.EnrollmentID.String(), string(n.Status), n.NextSendAt,
		n.ContentIndex, n.EnrolledAt, n.LastActivityAt, n.ExitReason,
		n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sequent.ErrNurtureExists
		}
		return fmt.Errorf("sequent/postgres: create nurture: %w", err)
	}
	return nil
}

// GetNurture returns a nurture enrollment by ID.
func (s *Store) GetNurture(ctx context.Context, nurtureID id.NurtureID) (*nurture.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nurtureColumns+`
		FROM sequent_nurtures
		WHERE id = $1`,
		nurtureID.String(),
	)

	n, err := scanNurture(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrNurtureNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get nurture: %w", err)
	}
	return n, nil
}

// GetActiveNurture returns the active nurture enrollment for a
// (tenant, entity).
func (s *Store) GetActiveNurture(ctx context.Context, tenantID, entityID string) (*nurture.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nurtureColumns+`
		FROM sequent_nurtures
		WHERE tenant_id = $1 AND entity_id = $2 AND status = 'active'
		LIMIT 1`,
		tenantID, entityID,
	)

	n, err := scanNurture(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrNurtureNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get active nurture: %w", err)
	}
	return n, nil
}

// ListInactiveNurtures returns active nurture enrollments whose last
// activity predates the cutoff, stalest first.
func (s *Store) ListInactiveNurtures(ctx context.Context, cutoff time.Time, limit int) ([]*nurture.Enrollment, error) {
	query := `
		SELECT ` + nurtureColumns + `
		FROM sequent_nurtures
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list inactive nurtures: %w", err)
	}
	defer rows.Close()

	var nurtures []*nurture.Enrollment
	for rows.Next() {
		n, scanErr := scanNurture(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("sequent/postgres: scan nurture: %w", scanErr)
		}
		nurtures = append(nurtures, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/postgres: iterate nurtures: %w", err)
	}
	return nurtures, nil
}

// UpdateNurture persists nurture enrollment state.
func (s *Store) UpdateNurture(ctx context.Context, n *nurture.Enrollment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_nurtures
		SET status = $2, next_send_at = $3, content_index = $4,
		    last_activity_at = $5, exit_reason = $6, updated_at = NOW()
		WHERE id = $1`,
		n.ID.String(), string(n.Status), n.NextSendAt, n.ContentIndex,
		n.LastActivityAt, n.ExitReason,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: update nurture: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sequent.ErrNurtureNotFound
	}
	return nil
}

func scanNurture(row pgx.Row) (*nurture.Enrollment, error) {
	var (
		n         nurture.Enrollment
		idStr     string
		wfStr     string
		enrStr    string
		statusStr string
	)
	err := row.Scan(
		&idStr, &n.TenantID, &n.EntityID, &wfStr, &enrStr, &statusStr,
		&n.NextSendAt, &n.ContentIndex, &n.EnrolledAt, &n.LastActivityAt,
		&n.ExitReason, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Status = nurture.Status(statusStr)

	parsedID, parseErr := id.ParseNurtureID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse nurture id %q: %w", idStr, parseErr)
	}
	n.ID = parsedID

	if enrStr != "" {
		parsedEnr, enrErr := id.ParseEnrollmentID(enrStr)
		if enrErr == nil {
			n.EnrollmentID = parsedEnr
		}
	}
	parsedWf, parseErr := id.ParseWorkflowID(wfStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse workflow id %q: %w", wfStr, parseErr)
	}
	n.WorkflowID = parsedWf

	return &n, nil
}
