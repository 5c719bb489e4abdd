package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/readwell/enrich/id"
)

// AcquireLeadership attempts to take the leadership lease. The lease is
// a SET NX with TTL, so a crashed leader's hold expires on its own.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	ok, err := s.client.SetNX(ctx, leaderKey, wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("enrich/redis: acquire leadership setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	// Check if we already hold it; re-acquiring extends the lease.
	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("enrich/redis: acquire leadership get: %w", err)
	}
	if current == wID {
		if eErr := s.client.Expire(ctx, leaderKey, ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend leader lease", "error", eErr)
		}
		return true, nil
	}

	return false, nil
}

// RenewLeadership extends the lease when workerID already holds it.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // lease expired
		}
		return false, fmt.Errorf("enrich/redis: renew leadership get: %w", err)
	}
	if current != workerID.String() {
		return false, nil
	}

	if err := s.client.Expire(ctx, leaderKey, ttl).Err(); err != nil {
		return false, fmt.Errorf("enrich/redis: renew leadership expire: %w", err)
	}
	return true, nil
}
