package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/readwell/enrich/id"
)

// AcquireSlot atomically increments the publisher's active slot count
// if it is below max. The bounded increment is a single upsert whose
// DO UPDATE guard enforces the ceiling, so the counter can never pass
// max even under concurrent acquirers.
func (s *Store) AcquireSlot(ctx context.Context, publisherID id.PublisherID, max int) (bool, error) {
	if max < 1 {
		return false, nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrich_slots (publisher_id, active) VALUES ($1, 1)
		ON CONFLICT (publisher_id) DO UPDATE
			SET active = enrich_slots.active + 1
			WHERE enrich_slots.active < $2`,
		publisherID.String(), max,
	)
	if err != nil {
		return false, fmt.Errorf("enrich/postgres: acquire slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseSlot decrements the publisher's active slot count, never
// below zero.
func (s *Store) ReleaseSlot(ctx context.Context, publisherID id.PublisherID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrich_slots SET active = GREATEST(active - 1, 0)
		WHERE publisher_id = $1`,
		publisherID.String(),
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: release slot: %w", err)
	}
	return nil
}

// ActiveSlots returns the publisher's current active slot count.
func (s *Store) ActiveSlots(ctx context.Context, publisherID id.PublisherID) (int, error) {
	var active int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT active FROM enrich_slots WHERE publisher_id = $1), 0)`,
		publisherID.String(),
	).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("enrich/postgres: active slots: %w", err)
	}
	return active, nil
}

// IncrDailyUsage increments the publisher's usage counter for the day
// bucket and returns the new count. Expired rows from past windows are
// reaped opportunistically.
func (s *Store) IncrDailyUsage(ctx context.Context, publisherID id.PublisherID, day string, ttl time.Duration) (int64, error) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM enrich_daily_usage WHERE expires_at < NOW()`,
	); err != nil {
		return 0, fmt.Errorf("enrich/postgres: reap expired usage: %w", err)
	}

	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO enrich_daily_usage (publisher_id, day, count, expires_at)
		VALUES ($1, $2, 1, NOW() + $3::interval)
		ON CONFLICT (publisher_id, day) DO UPDATE
			SET count = enrich_daily_usage.count + 1
		RETURNING count`,
		publisherID.String(), day, ttl.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("enrich/postgres: incr daily usage: %w", err)
	}
	return count, nil
}

// DecrDailyUsage undoes one IncrDailyUsage, never below zero.
func (s *Store) DecrDailyUsage(ctx context.Context, publisherID id.PublisherID, day string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrich_daily_usage SET count = GREATEST(count - 1, 0)
		WHERE publisher_id = $1 AND day = $2`,
		publisherID.String(), day,
	)
	if err != nil {
		return fmt.Errorf("enrich/postgres: decr daily usage: %w", err)
	}
	return nil
}

// DailyUsage returns the publisher's usage count for the day bucket.
func (s *Store) DailyUsage(ctx context.Context, publisherID id.PublisherID, day string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT count FROM enrich_daily_usage
			 WHERE publisher_id = $1 AND day = $2 AND expires_at >= NOW()), 0)`,
		publisherID.String(), day,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("enrich/postgres: daily usage: %w", err)
	}
	return count, nil
}

// AcquireLeadership attempts to take the leadership lease. The lease is
// a single row; the upsert's guard lets it change hands only when the
// previous lease expired or the caller already holds it.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrich_leadership (id, worker_id, expires_at)
		VALUES (1, $1, NOW() + $2::interval)
		ON CONFLICT (id) DO UPDATE
			SET worker_id = EXCLUDED.worker_id, expires_at = EXCLUDED.expires_at
			WHERE enrich_leadership.expires_at < NOW()
			   OR enrich_leadership.worker_id = EXCLUDED.worker_id`,
		workerID.String(), ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("enrich/postgres: acquire leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLeadership extends the lease when workerID still holds it.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrich_leadership SET expires_at = NOW() + $2::interval
		WHERE id = 1 AND worker_id = $1 AND expires_at >= NOW()`,
		workerID.String(), ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("enrich/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
