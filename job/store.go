package job

import (
	"context"
	"time"

	"github.com/readwell/enrich/id"
)

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// PublisherID filters by publisher. Nil ID means all publishers.
	PublisherID id.PublisherID
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// PublisherID filters by publisher. Nil ID means all publishers.
	PublisherID id.PublisherID
}

// Store defines the persistence contract for jobs. Transition writes are
// durable before the caller acts on them; every state change is a
// compare-and-swap on (job id, expected state) so the contract holds
// under multiple worker processes, not just multiple goroutines.
type Store interface {
	// CreateJob persists a new job. Returns enrich.ErrJobExists if a job
	// with the same ID already exists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID, or enrich.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// FindActiveJob returns the non-terminal job matching
	// (publisher, url, job type), or enrich.ErrJobNotFound if every
	// matching job is terminal or none exists. Backs idempotent submit.
	FindActiveJob(ctx context.Context, publisherID id.PublisherID, targetURL string, jobType Type) (*Job, error)

	// UpdateJob persists non-state field changes to an existing job
	// (progress markers, heartbeat bookkeeping). It must not be used to
	// change State; use TransitionJob.
	UpdateJob(ctx context.Context, j *Job) error

	// TransitionJob atomically writes j if and only if the stored state
	// still equals from. j.State carries the target state. Returns
	// enrich.ErrStateConflict when the stored state has since changed,
	// in which case callers re-read and re-decide.
	TransitionJob(ctx context.Context, j *Job, from State) error

	// ClaimJob atomically moves a queued or retry job to processing on
	// behalf of workerID, incrementing AttemptCount and stamping
	// StartedAt/HeartbeatAt. The single winner receives the updated job;
	// losers receive enrich.ErrStateConflict.
	ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*Job, error)

	// ListRunnable returns up to limit jobs eligible for claiming:
	// queued jobs plus retry jobs whose NextRetryAt has elapsed, oldest
	// first.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListJobsByState returns jobs in the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// HeartbeatJob stamps the heartbeat timestamp for a processing job
	// held by workerID, proving the worker is still alive.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// StaleJobs returns processing jobs whose last heartbeat is older
	// than threshold, indicating their worker likely crashed. The
	// reconciliation sweep requeues them via TransitionJob.
	StaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// DeleteJob removes a job by ID. Only retention/archival calls this;
	// the pipeline never destroys jobs.
	DeleteJob(ctx context.Context, jobID id.JobID) error
}
