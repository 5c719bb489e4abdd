// Package maintenance runs the background upkeep the pipeline needs to
// stay honest: a reconciliation sweep that requeues jobs whose worker
// died mid-run, and a retention pass that archives terminal jobs past
// the retention window.
//
// Both tasks are scheduled with cron expressions and gated on leader
// election, so exactly one process in a multi-worker deployment runs
// them even though every process starts a Runner.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// LeaderStore is the leader election backend. Stores implement it with
// a TTL-bound lease so a crashed leader's lease expires on its own.
type LeaderStore interface {
	// AcquireLeadership attempts to take the leadership lease for ttl.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)
	// RenewLeadership extends the lease when workerID already holds it.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithSweepSchedule sets the cron expression for the reconciliation
// sweep. Descriptors like "@every 30s" are accepted.
func WithSweepSchedule(expr string) Option {
	return func(r *Runner) { r.sweepSchedule = expr }
}

// WithRetentionSchedule sets the cron expression for the retention pass.
func WithRetentionSchedule(expr string) Option {
	return func(r *Runner) { r.retentionSchedule = expr }
}

// WithStaleThreshold sets how long a processing job may go without a
// heartbeat before the sweep reclaims it.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Runner) { r.staleThreshold = d }
}

// WithRetentionWindow sets how long terminal jobs stay in the live
// store before the retention pass archives them.
func WithRetentionWindow(d time.Duration) Option {
	return func(r *Runner) { r.retentionWindow = d }
}

// WithLeaderTTL sets the leadership lease duration.
func WithLeaderTTL(d time.Duration) Option {
	return func(r *Runner) { r.leaderTTL = d }
}

// WithRetentionBatch caps how many jobs one retention pass archives.
func WithRetentionBatch(n int) Option {
	return func(r *Runner) { r.retentionBatch = n }
}

// Runner schedules and executes the maintenance tasks.
type Runner struct {
	jobs     job.Store
	archives *archive.Service
	slots    admission.SlotStore
	leader   LeaderStore
	workerID id.WorkerID
	logger   *slog.Logger

	sweepSchedule     string
	retentionSchedule string
	staleThreshold    time.Duration
	retentionWindow   time.Duration
	retentionBatch    int
	leaderTTL         time.Duration

	cron     *cronlib.Cron
	isLeader atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a maintenance runner. The slot store is the same
// backend the admission controller counts against: the sweep returns
// the slots dead workers were holding.
func NewRunner(
	jobs job.Store,
	archives *archive.Service,
	slots admission.SlotStore,
	leader LeaderStore,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		jobs:              jobs,
		archives:          archives,
		slots:             slots,
		leader:            leader,
		workerID:          workerID,
		logger:            logger,
		sweepSchedule:     "@every 30s",
		retentionSchedule: "@daily",
		staleThreshold:    60 * time.Second,
		retentionWindow:   30 * 24 * time.Hour,
		retentionBatch:    500,
		leaderTTL:         15 * time.Second,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the leader election loop and the cron schedule.
func (r *Runner) Start(_ context.Context) error {
	r.cron = cronlib.New()

	if _, err := r.cron.AddFunc(r.sweepSchedule, r.sweepTick); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(r.retentionSchedule, r.retentionTick); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.leaderLoop()

	r.cron.Start()

	r.logger.Info("maintenance runner started",
		slog.String("worker_id", r.workerID.String()),
		slog.String("sweep_schedule", r.sweepSchedule),
		slog.String("retention_schedule", r.retentionSchedule),
	)
	return nil
}

// Stop halts the cron schedule and the leader loop, waiting for any
// in-flight task to finish.
func (r *Runner) Stop(_ context.Context) error {
	close(r.stopCh)
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.wg.Wait()
	r.logger.Info("maintenance runner stopped")
	return nil
}

// leaderLoop continuously renews or acquires the leadership lease and
// mirrors the outcome into isLeader.
func (r *Runner) leaderLoop() {
	defer r.wg.Done()

	renewInterval := r.leaderTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	r.tryLeadership()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tryLeadership()
		}
	}
}

func (r *Runner) tryLeadership() {
	ctx := context.Background()

	// Renew first (cheap if already leader).
	renewed, err := r.leader.RenewLeadership(ctx, r.workerID, r.leaderTTL)
	if err != nil {
		r.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		r.isLeader.Store(false)
		return
	}
	if renewed {
		r.isLeader.Store(true)
		return
	}

	acquired, err := r.leader.AcquireLeadership(ctx, r.workerID, r.leaderTTL)
	if err != nil {
		r.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		r.isLeader.Store(false)
		return
	}
	if acquired && !r.isLeader.Swap(true) {
		r.logger.Info("acquired maintenance leadership",
			slog.String("worker_id", r.workerID.String()),
		)
	}
	if !acquired {
		r.isLeader.Store(false)
	}
}

// sweepTick runs the reconciliation sweep when this process leads.
func (r *Runner) sweepTick() {
	if !r.isLeader.Load() {
		return
	}
	r.Sweep(context.Background())
}

// Sweep reclaims processing jobs whose heartbeat has gone stale. A
// reclaimed job with attempts remaining is parked for immediate retry;
// one with an exhausted budget is failed. Either way the slot the lost
// worker held is released. Every write is a CAS against the processing
// state, so a worker that was merely slow and finishes concurrently
// wins cleanly.
func (r *Runner) Sweep(ctx context.Context) {
	stale, err := r.jobs.StaleJobs(ctx, r.staleThreshold)
	if err != nil {
		r.logger.Error("stale job scan error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, j := range stale {
		lostWorker := j.WorkerID

		if j.AttemptCount >= j.MaxAttempts {
			j.State = job.StateFailed
			j.ErrorKind = job.ErrorKindStale
			j.ErrorMessage = "worker lost with no attempts remaining"
			j.CompletedAt = &now
		} else {
			j.State = job.StateRetry
			j.ErrorKind = job.ErrorKindStale
			j.ErrorMessage = "worker heartbeat expired"
			j.NextRetryAt = &now
		}
		j.WorkerID = id.WorkerID{}
		j.HeartbeatAt = nil
		j.Touch()

		if err := r.jobs.TransitionJob(ctx, j, job.StateProcessing); err != nil {
			// Lost the race to the worker itself or a cancel. Fine.
			continue
		}

		// The dead worker never released its admission slot; return it
		// so the publisher's concurrency budget recovers.
		if relErr := r.slots.ReleaseSlot(ctx, j.PublisherID); relErr != nil {
			r.logger.Warn("slot release for reclaimed job failed",
				slog.String("job_id", j.ID.String()),
				slog.String("publisher_id", j.PublisherID.String()),
				slog.String("error", relErr.Error()),
			)
		}

		r.logger.Warn("reclaimed stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("lost_worker_id", lostWorker.String()),
			slog.String("new_state", string(j.State)),
		)
	}
}

// retentionTick runs the retention pass when this process leads.
func (r *Runner) retentionTick() {
	if !r.isLeader.Load() {
		return
	}
	r.Retain(context.Background())
}

// Retain archives terminal jobs that aged past the retention window.
func (r *Runner) Retain(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.retentionWindow)

	n, err := r.archives.ArchiveExpired(ctx, cutoff, r.retentionBatch)
	if err != nil {
		r.logger.Error("retention pass error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("retention pass archived jobs", slog.Int("count", n))
	}
}
