package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/pipeline"
)

// submitRequest is the body of POST /v1/jobs.
type submitRequest struct {
	PublisherID string `json:"publisher_id"`
	TargetURL   string `json:"target_url"`
	JobType     string `json:"job_type,omitempty"`
}

// SubmitOption configures a submit request.
type SubmitOption func(*submitRequest)

// WithJobType overrides the default full_process job type.
func WithJobType(jobType job.Type) SubmitOption {
	return func(r *submitRequest) { r.JobType = string(jobType) }
}

// Submit queues an enrichment job for the given publisher and URL.
// Submission is idempotent: resubmitting an active triple returns the
// already-accepted job.
func (c *Client) Submit(ctx context.Context, publisherID, targetURL string, opts ...SubmitOption) (*job.Job, error) {
	req := submitRequest{
		PublisherID: publisherID,
		TargetURL:   targetURL,
	}
	for _, opt := range opts {
		opt(&req)
	}

	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Job retrieves a job by ID.
func (c *Client) Job(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Result fetches the enrichment artifact for a completed job. While
// the job is still in flight the server responds 404; use IsNotFound
// to distinguish "not ready" from transport failures when polling.
func (c *Client) Result(ctx context.Context, jobID string) (*pipeline.Artifact, error) {
	var artifact pipeline.Artifact
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/result", nil, nil, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Cancel requests cancellation of a job. Jobs already in a terminal
// state respond 409.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil, nil)
}
