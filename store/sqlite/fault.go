package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

const faultColumns = `
	id, enrollment_id, tenant_id, entity_id, workflow_id, node_id,
	error, failed_at, replayed_at, created_at`

// PushFault adds a failed execution entry to the log.
func (s *Store) PushFault(ctx context.Context, entry *fault.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_faults (`+faultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.EnrollmentID.String(), entry.TenantID,
		entry.EntityID, entry.WorkflowID.String(), entry.NodeID,
		entry.Error, entry.FailedAt, nullTime(entry.ReplayedAt),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: push fault: %w", err)
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
		query += ` WHERE tenant_id = ?`
		args = append(args, opts.TenantID)
	}
	query += ` ORDER BY failed_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			// SQLite requires LIMIT before OFFSET.
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list faults: %w", err)
	}
	defer rows.Close()

	var entries []*fault.Entry
	for rows.Next() {
		entry, scanErr := scanFault(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("sequent/sqlite: scan fault: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/sqlite: iterate faults: %w", err)
	}
	return entries, nil
}

// GetFault retrieves a fault entry by ID.
func (s *Store) GetFault(ctx context.Context, faultID id.FaultID) (*fault.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+faultColumns+`
		FROM sequent_faults
		WHERE id = ?`,
		faultID.String(),
	)

	entry, err := scanFault(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sequent.ErrFaultNotFound
		}
		return nil, fmt.Errorf("sequent/sqlite: get fault: %w", err)
	}
	return entry, nil
}

// ReplayFault marks a fault entry as replayed.
func (s *Store) ReplayFault(ctx context.Context, faultID id.FaultID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_faults
		SET replayed_at = ?
		WHERE id = ?`,
		time.Now().UTC(), faultID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: replay fault: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequent.ErrFaultNotFound
	}
	return nil
}

// PurgeFaults removes entries with FailedAt before the given time.
func (s *Store) PurgeFaults(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sequent_faults WHERE failed_at < ?`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("sequent/sqlite: purge faults: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// CountFaults returns the total number of entries in the log.
func (s *Store) CountFaults(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequent_faults`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sequent/sqlite: count faults: %w", err)
	}
	return count, nil
}

func scanFault(row rowScanner) (*fault.Entry, error) {
	var (
		entry    fault.Entry
		idStr    string
		enrStr   string
		wfStr    string
		replayed sql.NullTime
	)
	err := row.Scan(
		&idStr, &enrStr, &entry.TenantID, &entry.EntityID, &wfStr,
		&entry.NodeID, &entry.Error, &entry.FailedAt, &replayed,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.ReplayedAt = timePtr(replayed)

	parsedID, parseErr := id.ParseFaultID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse fault id %q: %w", idStr, parseErr)
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
