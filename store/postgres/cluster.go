package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

const workerColumns = `
	id, hostname, state, is_leader, leader_until, last_seen, metadata,
	created_at`

// RegisterWorker adds a worker to the cluster registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	metadata, err := marshalJSON(w.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequent_workers (
			id, hostname, state, is_leader, leader_until, last_seen,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET hostname = EXCLUDED.hostname,
		    state = EXCLUDED.state,
		    last_seen = EXCLUDED.last_seen,
		    metadata = EXCLUDED.metadata`,
		w.ID.String(), w.Hostname, string(w.State), w.IsLeader,
		w.LeaderUntil, w.LastSeen, metadata, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sequent_workers WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: deregister worker: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_workers
		SET last_seen = NOW()
		WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sequent.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM sequent_workers
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: list workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older
// than the threshold.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM sequent_workers
		WHERE last_seen < NOW() - $1::interval`,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sequent/postgres: reap dead workers: %w", err)
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

// AcquireLeadership attempts to become the cluster leader. A single
// conditional UPDATE claims the seat when no unexpired leader exists.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := time.Now().UTC().Add(ttl)

	// Clear any expired leader first.
	_, err := s.pool.Exec(ctx, `
		UPDATE sequent_workers
		SET is_leader = FALSE, leader_until = NULL
		WHERE is_leader = TRUE AND leader_until < NOW()`,
	)
	if err != nil {
		return false, fmt.Errorf("sequent/postgres: clear expired leader: %w", err)
	}

	var activeLeaderID *string
	err = s.pool.QueryRow(ctx, `
		SELECT id FROM sequent_workers
		WHERE is_leader = TRUE AND leader_until >= NOW()
		LIMIT 1`,
	).Scan(&activeLeaderID)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("sequent/postgres: check leader: %w", err)
	}
	if activeLeaderID != nil && *activeLeaderID != wID {
		return false, nil
	}

	tag, claimErr := s.pool.Exec(ctx, `
		UPDATE sequent_workers
		SET is_leader = TRUE, leader_until = $2
		WHERE id = $1`,
		wID, until,
	)
	if claimErr != nil {
		return false, fmt.Errorf("sequent/postgres: claim leadership: %w", claimErr)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		UPDATE sequent_workers
		SET leader_until = $2
		WHERE id = $1 AND is_leader = TRUE`,
		workerID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("sequent/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLeader returns the current cluster leader, or nil if there is no
// leader holding an unexpired term.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workerColumns+`
		FROM sequent_workers
		WHERE is_leader = TRUE AND leader_until >= NOW()
		LIMIT 1`,
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sequent/postgres: get leader: %w", err)
	}
	return w, nil
}

// AcquireLease takes a non-blocking keyed TTL lease. An upsert claims
// the key only when it is unheld or the previous holder's lease expired.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	expiry := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sequent_leases (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE sequent_leases.expires_at < NOW()`,
		key, expiry,
	)
	if err != nil {
		return false, fmt.Errorf("sequent/postgres: acquire lease %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease drops a keyed lease.
func (s *Store) ReleaseLease(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sequent_leases WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("sequent/postgres: release lease %q: %w", key, err)
	}
	return nil
}

func scanWorker(row pgx.Row) (*cluster.Worker, error) {
	var (
		w        cluster.Worker
		idStr    string
		stateStr string
		metadata []byte
	)
	err := row.Scan(
		&idStr, &w.Hostname, &stateStr, &w.IsLeader, &w.LeaderUntil,
		&w.LastSeen, &metadata, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.State = cluster.WorkerState(stateStr)
	if err := unmarshalJSON(metadata, &w.Metadata); err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseWorkerID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sequent/postgres: parse worker id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID

	return &w, nil
}

func collectWorkers(rows pgx.Rows) ([]*cluster.Worker, error) {
	var workers []*cluster.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("sequent/postgres: scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequent/postgres: iterate workers: %w", err)
	}
	return workers, nil
}
