package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// PushFault appends a failed execution entry to the fault log. The
// faults ZSET is scored by FailedAt so range queries stay ordered.
func (s *Store) PushFault(ctx context.Context, entry *fault.Entry) error {
	fID := entry.ID.String()

	blob, err := encode(toFaultModel(entry))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, faultKey(fID), blob, 0)
	pipe.ZAdd(ctx, faultsKey, goredis.Z{
		Score:  float64(entry.FailedAt.UnixNano()),
		Member: fID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequent/redis: push fault: %w", err)
	}
	return nil
}

// ListFaults returns fault entries newest first. Tenant filtering
// happens after the blob fetch, so Offset and Limit are applied to the
// filtered set in Go rather than to the ZSET range.
func (s *Store) ListFaults(ctx context.Context, opts fault.ListOpts) ([]*fault.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, faultsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: list faults: %w", err)
	}

	var (
		entries []*fault.Entry
		skipped int
	)
	for _, fID := range ids {
		entry, getErr := s.getFault(ctx, fID)
		if getErr != nil {
			if errors.Is(getErr, sequent.ErrFaultNotFound) {
				continue
			}
			return nil, getErr
		}
		if opts.TenantID != "" && entry.TenantID != opts.TenantID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		entries = append(entries, entry)
		if opts.Limit > 0 && len(entries) >= opts.Limit {
			break
		}
	}
	return entries, nil
}

// GetFault retrieves a fault entry by ID.
func (s *Store) GetFault(ctx context.Context, faultID id.FaultID) (*fault.Entry, error) {
	return s.getFault(ctx, faultID.String())
}

// ReplayFault stamps a fault entry as replayed.
func (s *Store) ReplayFault(ctx context.Context, faultID id.FaultID) error {
	entry, err := s.getFault(ctx, faultID.String())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.ReplayedAt = &now

	blob, err := encode(toFaultModel(entry))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, faultKey(faultID.String()), blob, 0).Err(); err != nil {
		return fmt.Errorf("sequent/redis: replay fault: %w", err)
	}
	return nil
}

// PurgeFaults removes entries with FailedAt before the given time and
// returns the number removed.
func (s *Store) PurgeFaults(ctx context.Context, before time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(before.UnixNano(), 10)

	ids, err := s.client.ZRangeByScore(ctx, faultsKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sequent/redis: purge faults: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, fID := range ids {
		pipe.Del(ctx, faultKey(fID))
	}
	pipe.ZRemRangeByScore(ctx, faultsKey, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("sequent/redis: purge faults: %w", err)
	}
	return int64(len(ids)), nil
}

// CountFaults returns the total number of entries in the log.
func (s *Store) CountFaults(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, faultsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sequent/redis: count faults: %w", err)
	}
	return n, nil
}

func (s *Store) getFault(ctx context.Context, fID string) (*fault.Entry, error) {
	blob, err := s.client.Get(ctx, faultKey(fID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sequent.ErrFaultNotFound
		}
		return nil, fmt.Errorf("sequent/redis: get fault: %w", err)
	}

	var m faultModel
	if err := decode(blob, &m); err != nil {
		return nil, err
	}
	return fromFaultModel(&m)
}
