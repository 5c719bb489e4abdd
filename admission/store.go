package admission

import (
	"context"
	"time"

	"github.com/readwell/enrich/id"
)

// SlotStore is the cross-process counter backend for admission control.
// Implementations must make AcquireSlot an atomic check-and-increment:
// at no observable instant may a publisher's active count exceed the
// max passed to AcquireSlot.
type SlotStore interface {
	// AcquireSlot atomically increments the publisher's active slot
	// count if it is below max, reporting whether the slot was granted.
	AcquireSlot(ctx context.Context, publisherID id.PublisherID, max int) (bool, error)

	// ReleaseSlot decrements the publisher's active slot count, never
	// below zero.
	ReleaseSlot(ctx context.Context, publisherID id.PublisherID) error

	// ActiveSlots returns the publisher's current active slot count.
	ActiveSlots(ctx context.Context, publisherID id.PublisherID) (int, error)

	// IncrDailyUsage increments the publisher's usage counter for the
	// given day bucket and returns the new count. The counter expires
	// after ttl so quota windows reset without a sweeper.
	IncrDailyUsage(ctx context.Context, publisherID id.PublisherID, day string, ttl time.Duration) (int64, error)

	// DecrDailyUsage undoes one IncrDailyUsage, compensating for an
	// acquisition that was subsequently denied.
	DecrDailyUsage(ctx context.Context, publisherID id.PublisherID, day string) error

	// DailyUsage returns the publisher's usage count for the day bucket.
	DailyUsage(ctx context.Context, publisherID id.PublisherID, day string) (int64, error)
}

// Usage is a point-in-time snapshot of a publisher's admission state,
// derived from the slot store and tier limits.
type Usage struct {
	PublisherID        id.PublisherID `json:"publisher_id"`
	ActiveSlots        int            `json:"active_slots"`
	MaxConcurrentSlots int            `json:"max_concurrent_slots"`
	JobsToday          int64          `json:"jobs_today"`
	DailyQuota         int            `json:"daily_quota"`
}

// DayBucket formats t as the day key used for daily usage counters.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
