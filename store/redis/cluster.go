package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// renewScript extends the leader key's TTL only when the caller still
// holds it.
var renewScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RegisterWorker adds or refreshes a worker in the cluster registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	wID := w.ID.String()

	blob, err := encode(toWorkerModel(w))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workerKey(wID), blob, 0)
	pipe.SAdd(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry and releases its
// leadership if held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()

	if leader, err := s.client.Get(ctx, leaderKey).Result(); err == nil && leader == wID {
		if err := s.client.Del(ctx, leaderKey).Err(); err != nil {
			return fmt.Errorf("sequent/redis: release leadership: %w", err)
		}
	} else if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("sequent/redis: check leader: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workerKey(wID))
	pipe.SRem(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: deregister worker: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	w, err := s.getWorker(ctx, workerID.String())
	if err != nil {
		return err
	}

	w.LastSeen = time.Now().UTC()
	if w.State == cluster.WorkerDead {
		w.State = cluster.WorkerActive
	}

	blob, err := encode(toWorkerModel(w))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, workerKey(workerID.String()), blob, 0).Err(); err != nil {
		return fmt.Errorf("sequent/redis: heartbeat worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list workers: %w", err)
	}

	var workers []*cluster.Worker
	for _, wID := range ids {
		w, getErr := s.getWorker(ctx, wID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrWorkerNotFound) {
				continue
			}
			return nil, getErr
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ReapDeadWorkers marks workers unseen for longer than the threshold
// as dead and returns them.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-threshold)

	var dead []*cluster.Worker
	for _, w := range workers {
		if !w.LastSeen.Before(cutoff) {
			continue
		}
		w.State = cluster.WorkerDead
		blob, encErr := encode(toWorkerModel(w))
		if encErr != nil {
			return nil, encErr
		}
		if err := s.client.Set(ctx, workerKey(w.ID.String()), blob, 0).Err(); err != nil {
			return nil, fmt.Errorf("sequent/redis: reap worker: %w", err)
		}
		dead = append(dead, w)
	}
	return dead, nil
}

// AcquireLeadership attempts to claim the leader key with SET NX PX.
// Re-acquiring while already leader renews the hold.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	claimed, err := s.client.SetNX(ctx, leaderKey, wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sequent/redis: acquire leadership: %w", err)
	}
	if claimed {
		return true, nil
	}
	return s.RenewLeadership(ctx, workerID, ttl)
}

// RenewLeadership extends the hold when this worker is still leader.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	ok, err := renewScript.Run(ctx, s.client, []string{leaderKey}, workerID.String(), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("sequent/redis: renew leadership: %w", err)
	}
	return ok == 1, nil
}

// GetLeader returns the current cluster leader, or nil when no leader
// is held.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	wID, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("sequent/redis: get leader: %w", err)
	}

	until, err := s.client.PTTL(ctx, leaderKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: leader ttl: %w", err)
	}

	w, err := s.getWorker(ctx, wID)
	if err != nil {
		if errors.Is(err, sequent.ErrWorkerNotFound) {
			return nil, nil
		}
		return nil, err
	}
	w.IsLeader = true
	if until > 0 {
		t := time.Now().UTC().Add(until)
		w.LeaderUntil = &t
	}
	return w, nil
}

// AcquireLease takes a non-blocking keyed TTL lease with SET NX PX.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	held, err := s.client.SetNX(ctx, leaseKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sequent/redis: acquire lease: %w", err)
	}
	return held, nil
}

// ReleaseLease drops a keyed lease. Releasing an unheld lease is a
// no-op.
func (s *Store) ReleaseLease(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, leaseKey(key)).Err(); err != nil {
		return fmt.Errorf("sequent/redis: release lease: %w", err)
	}
	return nil
}

func (s *Store) getWorker(ctx context.Context, wID string) (*cluster.Worker, error) {
	blob, err := s.client.Get(ctx, workerKey(wID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get worker: %w", err)
	}

	var m workerModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromWorkerModel(&m)
}
