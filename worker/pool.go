package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/ext"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// Admitter gates job admission per publisher. The pool calls TryAcquire
// before claiming a runnable job; a denial leaves the job queued for a
// later scheduling pass. admission.Controller satisfies it.
type Admitter interface {
	TryAcquire(ctx context.Context, publisherID id.PublisherID, jobType job.Type, attempt int) (*admission.Slot, error)
}

// Pool manages a set of concurrent worker goroutines that poll for
// runnable jobs, pass them through admission, claim them, and execute
// them through the Executor.
type Pool struct {
	store      job.Store
	executor   *Executor
	admitter   Admitter
	extensions *ext.Registry
	workerID   id.WorkerID
	logger     *slog.Logger

	concurrency  int
	pollInterval time.Duration
	claimBatch   int

	heartbeatInterval time.Duration

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often idle workers poll for runnable jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithClaimBatch sets how many runnable candidates each poll fetches.
// A worker tries candidates in order until one claim succeeds, so a
// batch larger than one absorbs claim races and admission denials
// without an extra poll cycle.
func WithClaimBatch(n int) PoolOption {
	return func(p *Pool) { p.claimBatch = n }
}

// WithHeartbeatInterval sets how often the pool stamps heartbeats for
// active jobs. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	admitter Admitter,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		admitter:     admitter,
		extensions:   extensions,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		concurrency:  10,
		pollInterval: time.Second,
		claimBatch:   5,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.pollLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time
// runs out; checkpoints let the next attempt resume where this one
// stopped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// pollLoop is run by each worker goroutine. Each iteration fetches a
// batch of runnable candidates and tries them in order: admission first,
// then the claim CAS. Exactly one worker wins each claim; losers move to
// the next candidate.
func (p *Pool) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.pollOnce() {
			p.sleep()
		}
	}
}

// pollOnce fetches candidates and processes at most one job. It reports
// whether a job was executed.
func (p *Pool) pollOnce() bool {
	ctx := context.Background()

	candidates, err := p.store.ListRunnable(ctx, time.Now().UTC(), p.claimBatch)
	if err != nil {
		p.logger.Error("poll error", slog.String("error", err.Error()))
		return false
	}

	for _, candidate := range candidates {
		slot, acqErr := p.admitter.TryAcquire(ctx, candidate.PublisherID, candidate.JobType, candidate.AttemptCount)
		if acqErr != nil {
			if denial, ok := admission.Denied(acqErr); ok {
				// Not a failure: the job stays queued and is retried on a
				// later pass once the publisher has capacity.
				p.logger.Debug("admission denied",
					slog.String("job_id", candidate.ID.String()),
					slog.String("publisher_id", candidate.PublisherID.String()),
					slog.String("reason", string(denial.Reason)),
				)
				continue
			}
			p.logger.Error("admission error",
				slog.String("job_id", candidate.ID.String()),
				slog.String("error", acqErr.Error()),
			)
			continue
		}

		claimed, claimErr := p.store.ClaimJob(ctx, candidate.ID, p.workerID)
		if claimErr != nil {
			// Lost the claim race or the job moved on. The publisher is
			// not billed for work that never ran.
			if refundErr := slot.Refund(ctx); refundErr != nil {
				p.logger.Warn("slot refund failed",
					slog.String("job_id", candidate.ID.String()),
					slog.String("error", refundErr.Error()),
				)
			}
			if !errors.Is(claimErr, enrich.ErrStateConflict) {
				p.logger.Error("claim error",
					slog.String("job_id", candidate.ID.String()),
					slog.String("error", claimErr.Error()),
				)
			}
			continue
		}

		p.process(claimed, slot)
		return true
	}

	return false
}

// process executes one claimed job and releases its admission slot.
func (p *Pool) process(j *job.Job, slot *admission.Slot) {
	ctx := context.Background()

	p.extensions.EmitJobStarted(ctx, j)

	runCtx, cancel := context.WithCancel(ctx)
	p.trackJob(j.ID.String(), cancel)

	if execErr := p.executor.Execute(runCtx, j); execErr != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrackJob(j.ID.String())
	cancel()

	if relErr := slot.Release(ctx); relErr != nil {
		p.logger.Warn("slot release failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", relErr.Error()),
		)
	}
}

// heartbeatLoop periodically stamps heartbeats for all active jobs so
// the reconciliation sweep can tell a slow worker from a dead one.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		if err := p.store.HeartbeatJob(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
