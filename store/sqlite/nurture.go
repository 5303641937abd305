package sqlite

import (
	"context"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
)

const nurtureColumns = `
	id, tenant_id, entity_id, nurture_workflow_id, enrollment_id,
	status, next_send_at, content_index, enrolled_at, last_activity_at,
	exit_reason, created_at, updated_at`

// CreateNurture inserts a new nurture enrollment, enforcing at most one
// active per (tenant, entity).
func (s *Store) CreateNurture(ctx context.Context, n *nurture.Enrollment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_nurtures (`+nurtureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(), n.TenantID, n.EntityID, n.WorkflowID.String(),
		n.EnrollmentID.String(), string(n.Status), n.NextSendAt,
		n.ContentIndex, n.EnrolledAt, n.LastActivityAt, n.ExitReason,
		n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sequent.ErrNurtureExists
		}
		return fmt.Errorf("sequent/sqlite: create nurture: %w", err)
	}
	return nil
}

// GetNurture returns a nurture enrollment by ID.
func (s *Store) GetNurture(ctx context.Context, nurtureID id.NurtureID) (*nurture.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nurtureColumns+`
		FROM sequent_nurtures
		WHERE id = ?`,
		nurtureID.String(),
	)

	n, err := scanNurture(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrNurtureNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get nurture: %w", err)
	}
	return n, nil
}

// GetActiveNurture returns the active nurture enrollment for a
// (tenant, entity).
func (s *Store) GetActiveNurture(ctx context.Context, tenantID, entityID string) (*nurture.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nurtureColumns+`
		FROM sequent_nurtures
		WHERE tenant_id = ? AND entity_id = ? AND status = 'active'
		LIMIT 1`,
		tenantID, entityID,
	)

	n, err := scanNurture(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrNurtureNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get active nurture: %w", err)
	}
	return n, nil
}

// ListInactiveNurtures returns active nurture enrollments whose last
// activity predates the cutoff, stalest first.
func (s *Store) ListInactiveNurtures(ctx context.Context, cutoff time.Time, limit int) ([]*nurture.Enrollment, error) {
	query := `
		SELECT ` + nurtureColumns + `
		FROM sequent_nurtures
		WHERE status = 'active' AND last_activity_at < ?
		ORDER BY last_activity_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list inactive nurtures: %w", err)
	}
	defer rows.Close()

	var nurtures []*nurture.Enrollment
	for rows.Next() {
		n, scanErr := scanNurture(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("sequent/sqlite: scan nurture: %w", scanErr)
		}
		nurtures = append(nurtures, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/sqlite: iterate nurtures: %w", err)
	}
	return nurtures, nil
}

// UpdateNurture persists nurture enrollment state.
func (s *Store) UpdateNurture(ctx context.Context, n *nurture.Enrollment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_nurtures
		SET status = ?, next_send_at = ?, content_index = ?,
		    last_activity_at = ?, exit_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(n.Status), n.NextSendAt, n.ContentIndex,
		n.LastActivityAt, n.ExitReason, time.Now().UTC(), n.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: update nurture: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sequent.ErrNurtureNotFound
	}
	return nil
}

func scanNurture(row rowScanner) (*nurture.Enrollment, error) {
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
		return nil, fmt.Errorf("sequent/sqlite: parse nurture id %q: %w", idStr, parseErr)
	}
	n.ID = parsedID

	if enrStr != "" {
		if parsed, enrErr := id.ParseEnrollmentID(enrStr); enrErr == nil {
			n.EnrollmentID = parsed
		}
	}
	parsedWf, parseErr := id.ParseWorkflowID(wfStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse workflow id %q: %w", wfStr, parseErr)
	}
	n.WorkflowID = parsedWf

	return &n, nil
}
