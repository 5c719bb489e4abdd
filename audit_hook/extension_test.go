package audithook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	audithook "github.com/readwell/enrich/audit_hook"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

type captureRecorder struct {
	events []*audithook.AuditEvent
	err    error
}

func (r *captureRecorder) Record(_ context.Context, event *audithook.AuditEvent) error {
	r.events = append(r.events, event)
	return r.err
}

func testJob() *job.Job {
	return job.New(id.NewPublisherID(), "https://example.com/articles/7", job.TypeFullProcess, 3)
}

func TestRecordsJobLifecycle(t *testing.T) {
	rec := &captureRecorder{}
	e := audithook.New(rec)
	ctx := context.Background()
	j := testJob()

	if err := e.OnJobSubmitted(ctx, j); err != nil {
		t.Fatalf("OnJobSubmitted: %v", err)
	}
	if err := e.OnJobCompleted(ctx, j, 250*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("generation refused")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	if len(rec.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(rec.events))
	}

	submitted := rec.events[0]
	if submitted.Action != audithook.ActionJobSubmitted {
		t.Errorf("action = %q, want %q", submitted.Action, audithook.ActionJobSubmitted)
	}
	if submitted.Category != audithook.CategoryJob {
		t.Errorf("category = %q, want %q", submitted.Category, audithook.CategoryJob)
	}
	if submitted.ResourceID != j.ID.String() {
		t.Errorf("resource_id = %q, want %q", submitted.ResourceID, j.ID)
	}
	if submitted.Metadata["target_url"] != j.TargetURL {
		t.Errorf("metadata target_url = %v, want %q", submitted.Metadata["target_url"], j.TargetURL)
	}
	if submitted.Outcome != audithook.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", submitted.Outcome)
	}

	failed := rec.events[2]
	if failed.Severity != audithook.SeverityCritical {
		t.Errorf("failure severity = %q, want critical", failed.Severity)
	}
	if failed.Outcome != audithook.OutcomeFailure {
		t.Errorf("failure outcome = %q, want failure", failed.Outcome)
	}
	if failed.Reason != "generation refused" {
		t.Errorf("failure reason = %q", failed.Reason)
	}
	if failed.Metadata["error"] != "generation refused" {
		t.Errorf("failure metadata error = %v", failed.Metadata["error"])
	}
}

func TestRecordsStepEvents(t *testing.T) {
	rec := &captureRecorder{}
	e := audithook.New(rec)
	j := testJob()

	if err := e.OnStepCompleted(context.Background(), j, job.StepSummarize, 80*time.Millisecond); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}
	if err := e.OnStepFailed(context.Background(), j, job.StepRetrieve, errors.New("timeout")); err != nil {
		t.Fatalf("OnStepFailed: %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	if rec.events[0].Category != audithook.CategoryStep {
		t.Errorf("category = %q, want %q", rec.events[0].Category, audithook.CategoryStep)
	}
	if rec.events[0].Metadata["step"] != string(job.StepSummarize) {
		t.Errorf("metadata step = %v", rec.events[0].Metadata["step"])
	}
	if rec.events[1].Action != audithook.ActionStepFailed {
		t.Errorf("action = %q, want %q", rec.events[1].Action, audithook.ActionStepFailed)
	}
}

func TestWithActionsFiltersEvents(t *testing.T) {
	rec := &captureRecorder{}
	e := audithook.New(rec, audithook.WithActions(audithook.ActionJobFailed))
	ctx := context.Background()
	j := testJob()

	if err := e.OnJobSubmitted(ctx, j); err != nil {
		t.Fatalf("OnJobSubmitted: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	if rec.events[0].Action != audithook.ActionJobFailed {
		t.Errorf("action = %q, want %q", rec.events[0].Action, audithook.ActionJobFailed)
	}
}

func TestRecorderFailureDoesNotPropagate(t *testing.T) {
	rec := &captureRecorder{err: errors.New("trail unavailable")}
	e := audithook.New(rec)

	if err := e.OnJobSubmitted(context.Background(), testJob()); err != nil {
		t.Fatalf("recorder failure leaked: %v", err)
	}
}

func TestRetryEventMetadata(t *testing.T) {
	rec := &captureRecorder{}
	e := audithook.New(rec)
	j := testJob()
	next := time.Now().Add(30 * time.Second).UTC()

	if err := e.OnJobRetrying(context.Background(), j, 2, next); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}

	evt := rec.events[0]
	if evt.Severity != audithook.SeverityWarning {
		t.Errorf("severity = %q, want warning", evt.Severity)
	}
	if evt.Metadata["attempt"] != 2 {
		t.Errorf("metadata attempt = %v, want 2", evt.Metadata["attempt"])
	}
	if evt.Metadata["next_retry_at"] != next.Format(time.RFC3339) {
		t.Errorf("metadata next_retry_at = %v", evt.Metadata["next_retry_at"])
	}
}
