package admission

import (
	"context"
	"sync/atomic"

	"github.com/readwell/enrich/id"
)

// Slot is one unit of a publisher's concurrency budget, held by exactly
// one processing job at a time.
type Slot struct {
	publisherID id.PublisherID
	store       SlotStore
	released    atomic.Bool

	// quotaDay is the day bucket charged at acquisition, empty when the
	// acquisition bypassed the daily quota.
	quotaDay string
}

// PublisherID returns the publisher whose budget this slot draws from.
func (s *Slot) PublisherID() id.PublisherID { return s.publisherID }

// Release returns the slot to the publisher's budget. It is idempotent:
// releasing an already-released slot is a no-op, not an error, which
// guards against a racing cancel and completion both releasing.
func (s *Slot) Release(ctx context.Context) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	return s.store.ReleaseSlot(ctx, s.publisherID)
}

// Refund releases the slot and uncharges the daily quota. Used when an
// admitted job never actually starts (for example the claim CAS was lost
// to another worker), so the publisher is not billed for work that did
// not run.
func (s *Slot) Refund(ctx context.Context) error {
	if err := s.Release(ctx); err != nil {
		return err
	}
	if s.quotaDay == "" {
		return nil
	}
	day := s.quotaDay
	s.quotaDay = ""
	return s.store.DecrDailyUsage(ctx, s.publisherID, day)
}
