package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/readwell/enrich/id"
)

// acquireSlotScript is the bounded check-and-increment. The check and
// the increment run in one script, so the counter can never exceed max
// even under concurrent acquirers.
var acquireSlotScript = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then return 0 end
redis.call('INCR', KEYS[1])
return 1
`)

// releaseSlotScript decrements without going below zero.
var releaseSlotScript = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  redis.call('SET', KEYS[1], '0')
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// incrUsageScript increments the daily counter and arms its expiry on
// first use, so quota windows reset without a sweeper.
var incrUsageScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return n
`)

// decrUsageScript undoes one increment without going below zero.
var decrUsageScript = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then return 0 end
return redis.call('DECR', KEYS[1])
`)

// AcquireSlot atomically increments the publisher's active slot count
// if it is below max.
func (s *Store) AcquireSlot(ctx context.Context, publisherID id.PublisherID, max int) (bool, error) {
	granted, err := acquireSlotScript.Run(ctx, s.client,
		[]string{slotKey(publisherID)}, max,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enrich/redis: acquire slot: %w", err)
	}
	return granted == 1, nil
}

// ReleaseSlot decrements the publisher's active slot count, never
// below zero.
func (s *Store) ReleaseSlot(ctx context.Context, publisherID id.PublisherID) error {
	if err := releaseSlotScript.Run(ctx, s.client,
		[]string{slotKey(publisherID)},
	).Err(); err != nil {
		return fmt.Errorf("enrich/redis: release slot: %w", err)
	}
	return nil
}

// ActiveSlots returns the publisher's current active slot count.
func (s *Store) ActiveSlots(ctx context.Context, publisherID id.PublisherID) (int, error) {
	val, err := s.client.Get(ctx, slotKey(publisherID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("enrich/redis: active slots: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("enrich/redis: parse slot count: %w", err)
	}
	return n, nil
}

// IncrDailyUsage increments the publisher's usage counter for the day
// bucket and returns the new count.
func (s *Store) IncrDailyUsage(ctx context.Context, publisherID id.PublisherID, day string, ttl time.Duration) (int64, error) {
	n, err := incrUsageScript.Run(ctx, s.client,
		[]string{usageKey(publisherID, day)}, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("enrich/redis: incr daily usage: %w", err)
	}
	return n, nil
}

// DecrDailyUsage undoes one IncrDailyUsage.
func (s *Store) DecrDailyUsage(ctx context.Context, publisherID id.PublisherID, day string) error {
	if err := decrUsageScript.Run(ctx, s.client,
		[]string{usageKey(publisherID, day)},
	).Err(); err != nil {
		return fmt.Errorf("enrich/redis: decr daily usage: %w", err)
	}
	return nil
}

// DailyUsage returns the publisher's usage count for the day bucket.
func (s *Store) DailyUsage(ctx context.Context, publisherID id.PublisherID, day string) (int64, error) {
	val, err := s.client.Get(ctx, usageKey(publisherID, day)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("enrich/redis: daily usage: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("enrich/redis: parse usage count: %w", err)
	}
	return n, nil
}
