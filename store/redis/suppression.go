package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
)

// CheckSuppression reports whether the address is suppressed for the
// tenant. An absent key means contactable.
func (s *Store) CheckSuppression(ctx context.Context, tenantID, address string) (suppression.Status, error) {
	reason, err := s.client.Get(ctx, suppressionKey(tenantID, normalizeAddress(address))).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return suppression.Status{}, nil
		}
		return suppression.Status{}, fmt.Errorf("sequent/redis: check suppression: %w", err)
	}
	return suppression.Status{Suppressed: true, Reason: suppression.Reason(reason)}, nil
}

// SuppressEmail marks the address un-contactable, overwriting the
// reason if already suppressed.
func (s *Store) SuppressEmail(ctx context.Context, tenantID, address string, reason suppression.Reason) error {
	if err := s.client.Set(ctx, suppressionKey(tenantID, normalizeAddress(address)), string(reason), 0).Err(); err != nil {
		return fmt.Errorf("sequent/redis: suppress email: %w", err)
	}
	return nil
}

// UnsuppressEmail removes the address from the ledger.
func (s *Store) UnsuppressEmail(ctx context.Context, tenantID, address string) error {
	if err := s.client.Del(ctx, suppressionKey(tenantID, normalizeAddress(address))).Err(); err != nil {
		return fmt.Errorf("sequent/redis: unsuppress email: %w", err)
	}
	return nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
