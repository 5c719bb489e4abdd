// Package redis implements every store contract against Redis for
// multi-process deployments. Jobs live in Hashes with a Sorted Set as
// the runnable index, state transitions and claims run as Lua scripts
// so the compare-and-swap holds across processes, admission counters
// use bounded atomic increments, and leadership is a SET NX PX lease.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/maintenance"
	"github.com/readwell/enrich/pipeline"
)

// Compile-time interface checks.
var (
	_ job.Store                = (*Store)(nil)
	_ admission.SlotStore      = (*Store)(nil)
	_ pipeline.ArtifactStore   = (*Store)(nil)
	_ pipeline.CheckpointStore = (*Store)(nil)
	_ pipeline.ResultCache     = (*Store)(nil)
	_ archive.Store            = (*Store)(nil)
	_ maintenance.LeaderStore  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store contracts backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }
