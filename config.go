package enrich

import "time"

// Config holds tunables shared across the engine, worker pool, pipeline,
// and admission subsystems.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently by
	// one worker process, independent of per-publisher admission caps.
	Concurrency int

	// PollInterval is how often the worker pool scans for runnable jobs
	// (queued jobs plus retry jobs whose backoff has elapsed).
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight jobs to
	// reach the next safe checkpoint during graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often processing jobs send heartbeats.
	HeartbeatInterval time.Duration

	// StaleJobThreshold is how long a processing job may go without a
	// heartbeat before the reconciliation sweep requeues it for retry.
	StaleJobThreshold time.Duration

	// MaxAttempts is the default retry budget for a job. A transient
	// failure on the final attempt moves the job to failed.
	MaxAttempts int

	// StepTimeout bounds each pipeline step's external call. A step that
	// exceeds it is treated as a transient failure.
	StepTimeout time.Duration

	// JobTimeout bounds one full execution attempt end to end. Zero
	// disables the bound.
	JobTimeout time.Duration

	// QuestionCount is how many questions the pipeline asks the
	// generation provider to produce per job.
	QuestionCount int

	// MinWordCount is the floor below which retrieved content is not
	// worth full processing; shorter content fails validation.
	MinWordCount int

	// ResultCacheTTL is how long completed results stay in the fast
	// cache, keyed by URL.
	ResultCacheTTL time.Duration

	// ReprocessBypassesDailyQuota exempts reprocess jobs from the daily
	// quota. Concurrency slots still apply. Reprocessing usually
	// short-circuits at the threshold check, so counting it against the
	// quota would penalize publishers for refreshing unchanged content.
	ReprocessBypassesDailyQuota bool

	// SweepSchedule is the cron expression for the reconciliation sweep
	// that requeues stale processing jobs.
	SweepSchedule string

	// RetentionWindow is how long terminal jobs are kept in the live
	// store before the retention sweep archives them. Zero disables
	// archival.
	RetentionWindow time.Duration

	// RetentionSchedule is the cron expression for the retention sweep.
	RetentionSchedule string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:                 10,
		PollInterval:                1 * time.Second,
		ShutdownTimeout:             30 * time.Second,
		HeartbeatInterval:           10 * time.Second,
		StaleJobThreshold:           60 * time.Second,
		MaxAttempts:                 4,
		StepTimeout:                 90 * time.Second,
		JobTimeout:                  10 * time.Minute,
		QuestionCount:               5,
		MinWordCount:                120,
		ResultCacheTTL:              24 * time.Hour,
		ReprocessBypassesDailyQuota: true,
		SweepSchedule:               "@every 30s",
		RetentionWindow:             30 * 24 * time.Hour,
		RetentionSchedule:           "@daily",
	}
}
