package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/publisher"
)

// Reason explains why admission was denied.
type Reason string

const (
	// ReasonConcurrencyLimit means the publisher's concurrent slot budget
	// is fully in use.
	ReasonConcurrencyLimit Reason = "CONCURRENCY_LIMIT"
	// ReasonDailyQuota means the publisher has exhausted its rolling
	// daily job quota.
	ReasonDailyQuota Reason = "DAILY_QUOTA_EXCEEDED"
	// ReasonRateLimited means the publisher's sustained admission rate
	// was exceeded.
	ReasonRateLimited Reason = "RATE_LIMITED"
)

// Denial is returned when admission is refused. It is not a job failure:
// the job stays queued and retries admission on the next scheduling pass.
type Denial struct {
	PublisherID id.PublisherID
	Reason      Reason
}

func (d *Denial) Error() string {
	return fmt.Sprintf("admission denied for publisher %s: %s", d.PublisherID, d.Reason)
}

// Denied unpacks a Denial from err, reporting whether err is one.
func Denied(err error) (*Denial, bool) {
	d, ok := err.(*Denial)
	return d, ok
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithReprocessQuotaBypass controls whether reprocess jobs are exempt
// from the daily quota. Concurrency slots always apply.
func WithReprocessQuotaBypass(bypass bool) Option {
	return func(c *Controller) { c.bypassReprocess = bypass }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// limiterState caches a publisher's local token bucket alongside the
// rate it was built from, so tier changes rebuild the bucket.
type limiterState struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
}

// Controller gates job admission per publisher. It is safe for
// concurrent use.
type Controller struct {
	directory publisher.Directory
	slots     SlotStore

	mu       sync.Mutex
	limiters map[string]*limiterState

	bypassReprocess bool
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a Controller resolving tier limits from directory and
// counting slots in slots.
func New(directory publisher.Directory, slots SlotStore, opts ...Option) *Controller {
	c := &Controller{
		directory:       directory,
		slots:           slots,
		limiters:        make(map[string]*limiterState),
		bypassReprocess: true,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAcquire attempts to reserve one admission slot for the publisher.
// It never blocks: the result is either a held *Slot or a *Denial
// carrying the reason. Any other error is an infrastructure failure.
//
// attempt is the number of attempts the job has already consumed. The
// daily quota counts jobs, not attempts, so only a job's first
// admission (attempt 0) is charged; retries pass the quota gate free.
//
// Gates are applied in order: local rate limiter, cross-process
// concurrency slot, daily quota. Quota charged for a later gate that
// denies is compensated, so a denied acquisition consumes nothing.
func (c *Controller) TryAcquire(ctx context.Context, publisherID id.PublisherID, jobType job.Type, attempt int) (*Slot, error) {
	pub, err := c.directory.GetPublisher(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	limits := pub.Limits

	if !c.allowRate(publisherID, limits) {
		return nil, &Denial{PublisherID: publisherID, Reason: ReasonRateLimited}
	}

	granted, err := c.slots.AcquireSlot(ctx, publisherID, limits.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("admission: acquire slot: %w", err)
	}
	if !granted {
		return nil, &Denial{PublisherID: publisherID, Reason: ReasonConcurrencyLimit}
	}

	slot := &Slot{publisherID: publisherID, store: c.slots}

	if limits.DailyQuota > 0 && attempt == 0 && !(c.bypassReprocess && jobType == job.TypeReprocess) {
		day := DayBucket(c.now())
		count, incErr := c.slots.IncrDailyUsage(ctx, publisherID, day, 24*time.Hour)
		if incErr != nil {
			_ = slot.Release(ctx)
			return nil, fmt.Errorf("admission: daily usage: %w", incErr)
		}
		if count > int64(limits.DailyQuota) {
			_ = slot.Release(ctx)
			if decErr := c.slots.DecrDailyUsage(ctx, publisherID, day); decErr != nil {
				c.logger.Warn("daily usage compensation failed",
					slog.String("publisher_id", publisherID.String()),
					slog.String("error", decErr.Error()),
				)
			}
			return nil, &Denial{PublisherID: publisherID, Reason: ReasonDailyQuota}
		}
		slot.quotaDay = day
	}

	return slot, nil
}

// Usage returns a snapshot of the publisher's admission state.
func (c *Controller) Usage(ctx context.Context, publisherID id.PublisherID) (*Usage, error) {
	pub, err := c.directory.GetPublisher(ctx, publisherID)
	if err != nil {
		return nil, err
	}

	active, err := c.slots.ActiveSlots(ctx, publisherID)
	if err != nil {
		return nil, fmt.Errorf("admission: active slots: %w", err)
	}

	today, err := c.slots.DailyUsage(ctx, publisherID, DayBucket(c.now()))
	if err != nil {
		return nil, fmt.Errorf("admission: daily usage: %w", err)
	}

	return &Usage{
		PublisherID:        publisherID,
		ActiveSlots:        active,
		MaxConcurrentSlots: pub.Limits.MaxConcurrent,
		JobsToday:          today,
		DailyQuota:         pub.Limits.DailyQuota,
	}, nil
}

// allowRate applies the publisher's local token bucket. The bucket is
// per-process; cross-process rate enforcement would need a shared
// limiter, which tier rates are too coarse to justify.
func (c *Controller) allowRate(publisherID id.PublisherID, limits publisher.Limits) bool {
	if limits.RatePerSecond <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := publisherID.String()
	burst := limits.RateBurst
	if burst <= 0 {
		burst = 1
	}

	st := c.limiters[key]
	if st == nil || st.rps != limits.RatePerSecond || st.burst != burst {
		st = &limiterState{
			limiter: rate.NewLimiter(rate.Limit(limits.RatePerSecond), burst),
			rps:     limits.RatePerSecond,
			burst:   burst,
		}
		c.limiters[key] = st
	}

	return st.limiter.Allow()
}
