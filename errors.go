package enrich

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("enrich: no store configured")
	ErrStoreClosed = errors.New("enrich: store closed")

	// Not found errors.
	ErrJobNotFound       = errors.New("enrich: job not found")
	ErrArtifactNotFound  = errors.New("enrich: artifact not found")
	ErrPublisherNotFound = errors.New("enrich: publisher not found")
	ErrCacheMiss         = errors.New("enrich: cache miss")

	// Conflict errors. A state-transition CAS that loses a race returns
	// ErrStateConflict; callers re-read the job and decide whether to
	// abort. A worker that loses a claim race treats it as "already
	// claimed", not a failure.
	ErrJobExists     = errors.New("enrich: job already exists")
	ErrStateConflict = errors.New("enrich: job state changed concurrently")

	// State errors.
	ErrTerminalState     = errors.New("enrich: job is in a terminal state")
	ErrAttemptsExhausted = errors.New("enrich: max attempts exhausted")
)

// Classified is implemented by errors that carry a transient/permanent
// classification. Transient failures are retried with backoff; permanent
// failures fail the job immediately.
type Classified interface {
	Transient() bool
}

// IsTransient reports whether err is classified as transient. Errors
// without a classification default to transient so that unknown
// infrastructure failures (network partitions, crashed collaborators)
// are retried rather than permanently failing the job.
func IsTransient(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Transient()
	}
	return true
}

// ValidationError reports malformed input (bad URL, unknown publisher,
// unsupported job type). Validation failures are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("enrich: invalid %s: %s", e.Field, e.Reason)
}

// Transient implements Classified. Bad input never becomes good input.
func (e *ValidationError) Transient() bool { return false }

// RetrievalError reports a content retrieval failure, classified by the
// retriever (timeouts and 5xx responses are retryable; blocked or
// missing content is not).
type RetrievalError struct {
	URL       string
	Reason    string
	Retryable bool
	Err       error
}

func (e *RetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("enrich: retrieve %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("enrich: retrieve %s: %s", e.URL, e.Reason)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Transient implements Classified.
func (e *RetrievalError) Transient() bool { return e.Retryable }

// GenerationError reports an LLM generation failure (summarize, question
// generation, or embedding), classified by the provider client
// (rate limits and timeouts are retryable; auth and content-policy
// rejections are not).
type GenerationError struct {
	Op        string
	Reason    string
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("enrich: generate %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("enrich: generate %s: %s", e.Op, e.Reason)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Transient implements Classified.
func (e *GenerationError) Transient() bool { return e.Retryable }
