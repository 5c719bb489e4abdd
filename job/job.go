package job

import (
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting for admission and a worker.
	StateQueued State = "queued"
	// StateProcessing means a worker holds the job and a publisher slot.
	StateProcessing State = "processing"
	// StateRetry means the job hit a transient failure and is parked
	// until NextRetryAt; its publisher slot is released while it waits.
	StateRetry State = "retry"
	// StateCompleted means the job finished and ResultRef points at the
	// persisted artifact.
	StateCompleted State = "completed"
	// StateFailed means the job failed permanently or exhausted its
	// retry budget.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transitions may leave s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateProcessing || to == StateCancelled
	case StateProcessing:
		return to == StateCompleted || to == StateRetry || to == StateFailed || to == StateCancelled
	case StateRetry:
		return to == StateProcessing || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// Type distinguishes first-time processing from operator- or
// publisher-initiated reprocessing.
type Type string

const (
	// TypeFullProcess runs the complete pipeline for new content.
	TypeFullProcess Type = "full_process"
	// TypeReprocess re-runs the pipeline; the threshold check makes it
	// cheap when the content is unchanged.
	TypeReprocess Type = "reprocess"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	return t == TypeFullProcess || t == TypeReprocess
}

// Step is a pipeline progress marker recorded on the job for
// observability. Steps execute strictly in this order within one job.
type Step string

const (
	StepRetrieve  Step = "retrieve"
	StepThreshold Step = "threshold_check"
	StepSummarize Step = "summarize"
	StepQuestions Step = "generate_questions"
	StepEmbed     Step = "embed"
	StepPersist   Step = "persist"
)

// ErrorKind labels the failure class recorded on a failed job.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindRetrieval  ErrorKind = "retrieval"
	ErrorKindGeneration ErrorKind = "generation"
	ErrorKindPersist    ErrorKind = "persist"
	ErrorKindExhausted  ErrorKind = "attempts_exhausted"
	ErrorKindStale      ErrorKind = "worker_lost"
)

// Job represents one unit of enrichment work.
type Job struct {
	enrich.Entity

	ID          id.JobID       `json:"id"`
	PublisherID id.PublisherID `json:"publisher_id"`
	TargetURL   string         `json:"target_url"`
	JobType     Type           `json:"job_type"`

	State       State `json:"state"`
	CurrentStep Step  `json:"current_step,omitempty"`

	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`

	WorkerID    id.WorkerID `json:"worker_id,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// ResultRef is the deterministic key of the persisted artifact once
	// the job completes: "{content_id}@v{version}". Deterministic keys
	// make a retried persist step overwrite rather than duplicate.
	ResultRef string `json:"result_ref,omitempty"`
}

// New creates a queued job for the given publisher, URL, and type.
func New(publisherID id.PublisherID, targetURL string, jobType Type, maxAttempts int) *Job {
	return &Job{
		Entity:      enrich.NewEntity(),
		ID:          id.NewJobID(),
		PublisherID: publisherID,
		TargetURL:   targetURL,
		JobType:     jobType,
		State:       StateQueued,
		MaxAttempts: maxAttempts,
	}
}

// Runnable reports whether the job is eligible for claiming at t:
// queued, or parked in retry with an elapsed backoff.
func (j *Job) Runnable(t time.Time) bool {
	switch j.State {
	case StateQueued:
		return true
	case StateRetry:
		return j.NextRetryAt == nil || !j.NextRetryAt.After(t)
	default:
		return false
	}
}
