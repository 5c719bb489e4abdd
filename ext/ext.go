// Package ext defines the extension system for enrich.
// Extensions are notified of lifecycle events (job submitted, completed,
// failed, step finished, etc.) and can react to them — logging, metrics,
// alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/readwell/enrich/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is created in queued state.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job and begins an attempt.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (permanent failure or
// exhausted retry budget).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job hits a transient failure and is
// parked for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRetryAt time.Time) error
}

// JobCancelled is called when a cancellation takes effect.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Pipeline step hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a pipeline step completes.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, j *job.Job, step job.Step, elapsed time.Duration) error
}

// StepFailed is called when a pipeline step fails.
type StepFailed interface {
	OnStepFailed(ctx context.Context, j *job.Job, step job.Step, err error) error
}

// ──────────────────────────────────────────────────
// Process hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
