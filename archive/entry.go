package archive

import (
	"time"

	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// Entry represents a terminal job preserved past the retention window.
type Entry struct {
	ID          id.ArchiveID   `json:"id"`
	JobID       id.JobID       `json:"job_id"`
	PublisherID id.PublisherID `json:"publisher_id"`
	TargetURL   string         `json:"target_url"`
	JobType     job.Type       `json:"job_type"`

	FinalState   job.State     `json:"final_state"`
	ErrorKind    job.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	MaxAttempts  int           `json:"max_attempts"`
	ResultRef    string        `json:"result_ref,omitempty"`

	SubmittedAt   time.Time  `json:"submitted_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ArchivedAt    time.Time  `json:"archived_at"`
	ResubmittedAt *time.Time `json:"resubmitted_at,omitempty"`
}
