package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

const faultColumns = `
	id, enrollment_id, tenant_id, entity_id, workflow_id, node_id,
	error, failed_at, replayed_at, created_at`

// PushFault adds a failed execution entry to the log.
func (s *Store) PushFault(ctx context.Context, entry *fault.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sequent_faults (
			id, enrollment_id, tenant_id, entity_id, workflow_id, node_id,
			error, failed_at, replayed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.EnrollmentID.String(), entry.TenantID,
		entry.EntityID, entry.WorkflowID.String(), entry.NodeID,
		entry.Error, entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: push fault: %w", err)
	}
	return nil
}

// ListFaults returns fault entries matching the options, newest first.
func (s *Store) ListFaults(ctx context.Context, opts fault.ListOpts) ([]*fault.Entry, error) {
	query := `
		SELECT ` + faultColumns + `
		FROM sequent_faults`
	var args []any
	if opts.TenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, opts.TenantID)
	}
	query += ` ORDER BY failed_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list faults: %w", err)
	}
	defer rows.Close()

	var entries []*fault.Entry
	for rows.Next() {
		entry, scanErr := scanFault(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("sequent/postgres: scan fault: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/postgres: iterate faults: %w", err)
	}
	return entries, nil
}

// GetFault retrieves a fault entry by ID.
func (s *Store) GetFault(ctx context.Context, faultID id.FaultID) (*fault.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+faultColumns+`
		FROM sequent_faults
		WHERE id = $1`,
		faultID.String(),
	)

	entry, err := scanFault(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrFaultNotFound
		}
		return nil, fmt.Errorf("sequent/postgres: get fault: %w", err)
	}
	return entry, nil
}

// ReplayFault marks a fault entry as replayed.
func (s *Store) ReplayFault(ctx context.Context, faultID id.FaultID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_faults
		SET replayed_at = NOW()
		WHERE id = $1`,
		faultID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: replay fault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sequent.ErrFaultNotFound
	}
	return nil
}

// PurgeFaults removes entries with FailedAt before the given time.
func (s *Store) PurgeFaults(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sequent_faults WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("sequent/postgres: purge faults: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountFaults returns the total number of entries in the log.
func (s *Store) CountFaults(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sequent_faults`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sequent/postgres: count faults: %w", err)
	}
	return count, nil
}

func scanFault(row pgx.Row) (*fault.Entry, error) {
	var (
		entry  fault.Entry
		idStr  string
		enrStr string
		wfStr  string
	)
	err := row.Scan(
		&idStr, &enrStr, &entry.TenantID, &entry.EntityID, &wfStr,
		&entry.NodeID, &entry.Error, &entry.FailedAt, &entry.ReplayedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseFaultID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse fault id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	if parsed, err := id.ParseEnrollmentID(enrStr); err == nil {
		entry.EnrollmentID = parsed
	}
	if parsed, err := id.ParseWorkflowID(wfStr); err == nil {
		entry.WorkflowID = parsed
	}

	return &entry, nil
}
