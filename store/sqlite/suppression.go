package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
)

// CheckSuppression reports whether the address is suppressed for the
// tenant.
func (s *Store) CheckSuppression(ctx context.Context, tenantID, address string) (suppression.Status, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT reason FROM sequent_suppressions
		WHERE tenant_id = ? AND address = ?`,
		tenantID, normalizeAddress(address),
	).Scan(&reason)
	if err != nil {
		if isNoRows(err) {
			return suppression.Status{}, nil
		}
		return suppression.Status{}, fmt.Errorf("sequent/sqlite: check suppression: %w", err)
	}
	return suppression.Status{Suppressed: true, Reason: suppression.Reason(reason)}, nil
}

// SuppressEmail marks the address un-contactable. Re-suppressing an
// already suppressed address updates the recorded reason.
func (s *Store) SuppressEmail(ctx context.Context, tenantID, address string, reason suppression.Reason) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_suppressions (tenant_id, address, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, address) DO UPDATE
		SET reason = excluded.reason`,
		tenantID, normalizeAddress(address), string(reason), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: suppress email: %w", err)
	}
	return nil
}

// UnsuppressEmail removes the address from the ledger.
func (s *Store) UnsuppressEmail(ctx context.Context, tenantID, address string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sequent_suppressions WHERE tenant_id = ? AND address = ?`,
		tenantID, normalizeAddress(address),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: unsuppress email: %w", err)
	}
	return nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
