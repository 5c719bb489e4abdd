package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	PublisherID string `json:"publisher_id"`
	TargetURL   string `json:"target_url"`
	JobType     string `json:"job_type,omitempty"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, &enrich.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	publisherID, err := id.ParsePublisherID(req.PublisherID)
	if err != nil {
		a.respondError(w, &enrich.ValidationError{Field: "publisher_id", Reason: fmt.Sprintf("invalid id: %v", err)})
		return
	}

	jobType := job.Type(req.JobType)
	if req.JobType == "" {
		jobType = job.TypeFullProcess
	}

	j, err := a.eng.Submit(r.Context(), publisherID, req.TargetURL, jobType)
	if err != nil {
		a.respondError(w, err)
		return
	}

	// Submission is asynchronous; an idempotent resubmit returns the
	// same accepted job.
	a.respond(w, http.StatusAccepted, j)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.respondError(w, &enrich.ValidationError{Field: "job_id", Reason: fmt.Sprintf("invalid id: %v", err)})
		return
	}

	j, err := a.eng.Status(r.Context(), jobID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}

func (a *API) getResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.respondError(w, &enrich.ValidationError{Field: "job_id", Reason: fmt.Sprintf("invalid id: %v", err)})
		return
	}

	artifact, err := a.eng.Result(r.Context(), jobID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, artifact)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.respondError(w, &enrich.ValidationError{Field: "job_id", Reason: fmt.Sprintf("invalid id: %v", err)})
		return
	}

	if _, err := a.eng.Cancel(r.Context(), jobID); err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}
