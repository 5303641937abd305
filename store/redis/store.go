// Package redis implements store.Store on Redis for high-throughput
// deployments. Entities are stored as msgpack blobs, dedupe and
// single-enrollment uniqueness use SETNX guard keys, due and idle
// listings use Sorted Sets, and versioned updates run through a Lua
// compare-and-swap script.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Compile-time interface checks.
var (
	_ event.Store        = (*Store)(nil)
	_ score.Store        = (*Store)(nil)
	_ workflow.Store     = (*Store)(nil)
	_ nurture.Store      = (*Store)(nil)
	_ fault.Store        = (*Store)(nil)
	_ cluster.Store      = (*Store)(nil)
	_ suppression.Ledger = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────────────

// casScript atomically bumps a version counter and stores a blob when
// the caller's expected version matches. An absent counter reads as 0.
// Returns the new version, or 0 on a version mismatch.
var casScript = redis.NewScript(`
	local ver = tonumber(redis.call('GET', KEYS[1]) or '0')
	if ver ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('SET', KEYS[1], ver + 1)
	redis.call('SET', KEYS[2], ARGV[2])
	return ver + 1
`)

func encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte, dst any) error {
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("sequent/redis: decode: %w", err)
	}
	return nil
}

func itoa(v int) string { return strconv.Itoa(v) }
