// Package worker provides the job execution runtime — an Executor that
// runs claimed jobs through middleware and the pipeline, and a Pool
// that manages concurrent worker goroutines polling for runnable jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/backoff"
	"github.com/readwell/enrich/ext"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/middleware"
	"github.com/readwell/enrich/pipeline"
)

// Runner executes the enrichment pipeline for one claimed job.
// pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, j *job.Job) error
}

// Executor runs a single claimed job through middleware and the pipeline,
// then owns the outcome transition: completed, retry with backoff, failed,
// or cancelled.
type Executor struct {
	runner     Runner
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	runner Runner,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		runner:     runner,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs a claimed job through the middleware chain and pipeline.
// On success: transitions to completed, emits JobCompleted.
// On a cancellation observed mid-run: transitions to cancelled, emits
// JobCancelled, and reports no error.
// On a transient failure with attempts remaining: transitions to retry
// with backoff, emits JobRetrying.
// On a permanent failure or exhausted attempts: transitions to failed,
// emits JobFailed.
// A state conflict means the job is no longer this worker's to run
// (reclaimed or externally transitioned) and is dropped without effect.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := time.Now()

	terminal := func(ctx context.Context) error {
		return e.runner.Run(ctx, j)
	}

	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		return e.complete(ctx, j, elapsed)
	case errors.Is(err, pipeline.ErrCancelled):
		return e.cancel(ctx, j)
	case errors.Is(err, enrich.ErrStateConflict):
		e.logger.Debug("job no longer owned by this worker, dropping attempt",
			slog.String("job_id", j.ID.String()),
		)
		return nil
	default:
		return e.fail(ctx, j, err)
	}
}

// complete transitions processing → completed.
func (e *Executor) complete(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.CompletedAt = &now
	j.ErrorKind = job.ErrorKindNone
	j.ErrorMessage = ""
	j.Touch()

	if err := e.store.TransitionJob(ctx, j, job.StateProcessing); err != nil {
		if lostRace(err) {
			// Cancelled or reclaimed while the final transition raced.
			e.logger.Warn("completion lost state race",
				slog.String("job_id", j.ID.String()),
			)
			return nil
		}
		e.logger.Error("failed to mark job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// cancel transitions processing → cancelled after the pipeline observed a
// cancellation request at a step boundary.
func (e *Executor) cancel(ctx context.Context, j *job.Job) error {
	j.State = job.StateCancelled
	j.Touch()

	if err := e.store.TransitionJob(ctx, j, job.StateProcessing); err != nil {
		if lostRace(err) {
			// Already cancelled externally; nothing left to do.
			return nil
		}
		return err
	}

	e.extensions.EmitJobCancelled(ctx, j)

	e.logger.Info("job cancelled mid-run",
		slog.String("job_id", j.ID.String()),
		slog.String("step", string(j.CurrentStep)),
	)
	return nil
}

// fail classifies the error and either parks the job for retry or fails
// it permanently. AttemptCount was already incremented at claim time, so
// the comparison against MaxAttempts counts the attempt that just failed.
func (e *Executor) fail(ctx context.Context, j *job.Job, runErr error) error {
	j.ErrorMessage = runErr.Error()

	if enrich.IsTransient(runErr) && j.AttemptCount < j.MaxAttempts {
		return e.scheduleRetry(ctx, j, runErr)
	}

	return e.markFailed(ctx, j, runErr)
}

// scheduleRetry transitions processing → retry with a backoff delay.
// The worker assignment is cleared so the parked job holds no slot and
// no worker.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, runErr error) error {
	delay := e.backoff.Delay(j.AttemptCount)
	nextRetryAt := time.Now().UTC().Add(delay)

	j.State = job.StateRetry
	j.NextRetryAt = &nextRetryAt
	j.ErrorKind = errorKindFor(runErr)
	j.WorkerID = id.WorkerID{}
	j.HeartbeatAt = nil
	j.Touch()

	if err := e.store.TransitionJob(ctx, j, job.StateProcessing); err != nil {
		if lostRace(err) {
			return nil
		}
		e.logger.Error("failed to park job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobRetrying(ctx, j, j.AttemptCount, nextRetryAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.AttemptCount),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", runErr.Error()),
	)
	return nil
}

// markFailed transitions processing → failed and emits JobFailed.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, runErr error) error {
	now := time.Now().UTC()
	j.State = job.StateFailed
	j.CompletedAt = &now
	j.Touch()

	if enrich.IsTransient(runErr) {
		// A transient error with no attempts left.
		j.ErrorKind = job.ErrorKindExhausted
	} else {
		j.ErrorKind = errorKindFor(runErr)
	}

	if err := e.store.TransitionJob(ctx, j, job.StateProcessing); err != nil {
		if lostRace(err) {
			return nil
		}
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobFailed(ctx, j, runErr)

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("error_kind", string(j.ErrorKind)),
		slog.Int("attempt", j.AttemptCount),
		slog.String("error", runErr.Error()),
	)
	return runErr
}

// lostRace reports whether a transition error means the job was
// transitioned by someone else while this worker ran it.
func lostRace(err error) bool {
	return errors.Is(err, enrich.ErrStateConflict) || errors.Is(err, enrich.ErrTerminalState)
}

// errorKindFor maps a classified error to the kind recorded on the job.
func errorKindFor(err error) job.ErrorKind {
	var (
		vErr *enrich.ValidationError
		rErr *enrich.RetrievalError
		gErr *enrich.GenerationError
	)
	switch {
	case errors.As(err, &vErr):
		return job.ErrorKindValidation
	case errors.As(err, &rErr):
		return job.ErrorKindRetrieval
	case errors.As(err, &gErr):
		return job.ErrorKindGeneration
	default:
		return job.ErrorKindPersist
	}
}
