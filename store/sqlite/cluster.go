package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

const workerColumns = `
	id, hostname, state, is_leader, leader_until, last_seen, metadata,
	created_at`

// RegisterWorker adds a worker to the cluster registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	var metadata []byte
	if w.Metadata != nil {
		var err error
		metadata, err = json.Marshal(w.Metadata)
		if err != nil {
			return fmt.Errorf("sequent/sqlite: marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET hostname = excluded.hostname,
		    state = excluded.state,
		    last_seen = excluded.last_seen,
		    metadata = excluded.metadata`,
		w.ID.String(), w.Hostname, string(w.State), w.IsLeader,
		nullTime(w.LeaderUntil), w.LastSeen, metadata, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sequent_workers WHERE id = ?`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: deregister worker: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_workers
		SET last_seen = ?
		WHERE id = ?`,
		time.Now().UTC(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: heartbeat worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequent.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+`
		FROM sequent_workers
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: list workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older
// than the threshold.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+`
		FROM sequent_workers
		WHERE last_seen < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("sequent/sqlite: reap dead workers: %w", err)
	}
	defer rows.Close()

	workers, err := collectWorkers(rows)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		w.State = cluster.WorkerDead
	}
	return workers, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	now := time.Now().UTC()
	until := now.Add(ttl)

	// Clear any expired leader first.
	_, err := s.db.ExecContext(ctx, `
		UPDATE sequent_workers
		SET is_leader = 0, leader_until = NULL
		WHERE is_leader = 1 AND leader_until < ?`,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("sequent/sqlite: clear expired leader: %w", err)
	}

	var activeLeaderID sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM sequent_workers
		WHERE is_leader = 1 AND leader_until >= ?
		LIMIT 1`,
		now,
	).Scan(&activeLeaderID)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("sequent/sqlite: check leader: %w", err)
	}
	if activeLeaderID.Valid && activeLeaderID.String != wID {
		return false, nil
	}

	res, claimErr := s.db.ExecContext(ctx, `
		UPDATE sequent_workers
		SET is_leader = 1, leader_until = ?
		WHERE id = ?`,
		until, wID,
	)
	if claimErr != nil {
		return false, fmt.Errorf("sequent/sqlite: claim leadership: %w", claimErr)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE sequent_workers
		SET leader_until = ?
		WHERE id = ? AND is_leader = 1`,
		until, workerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("sequent/sqlite: renew leadership: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetLeader returns the current cluster leader, or nil if there is no
// leader holding an unexpired term.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workerColumns+`
		FROM sequent_workers
		WHERE is_leader = 1 AND leader_until >= ?
		LIMIT 1`,
		time.Now().UTC(),
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sequent/sqlite: get leader: %w", err)
	}
	return w, nil
}

// AcquireLease takes a non-blocking keyed TTL lease.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sequent_leases (key, expires_at)
		VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE
		SET expires_at = excluded.expires_at
		WHERE sequent_leases.expires_at < ?`,
		key, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("sequent/sqlite: acquire lease %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease drops a keyed lease.
func (s *Store) ReleaseLease(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sequent_leases WHERE key = ?`,
		key,
	)
	if err != nil {
		return fmt.Errorf("sequent/sqlite: release lease %q: %w", key, err)
	}
	return nil
}

func scanWorker(row rowScanner) (*cluster.Worker, error) {
	var (
		w           cluster.Worker
		idStr       string
		stateStr    string
		leaderUntil sql.NullTime
		metadata    []byte
	)
	err := row.Scan(
		&idStr, &w.Hostname, &stateStr, &w.IsLeader, &leaderUntil,
		&w.LastSeen, &metadata, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.State = cluster.WorkerState(stateStr)
	w.LeaderUntil = timePtr(leaderUntil)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &w.Metadata); err != nil {
			return nil, fmt.Errorf("sequent/sqlite: unmarshal metadata: %w", err)
		}
	}

	parsedID, parseErr := id.ParseWorkerID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/sqlite: parse worker id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID

	return &w, nil
}

func collectWorkers(rows *sql.Rows) ([]*cluster.Worker, error) {
	var workers []*cluster.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("sequent/sqlite: scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/sqlite: iterate workers: %w", err)
	}
	return workers, nil
}
