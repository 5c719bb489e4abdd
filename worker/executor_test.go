package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/backoff"
	"github.com/readwell/enrich/ext"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/pipeline"
	"github.com/readwell/enrich/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRunner runs a configurable function in place of the pipeline.
type stubRunner struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, j *job.Job) error
	calls int
}

func (r *stubRunner) Run(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	r.calls++
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, j)
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// trackingExt records which lifecycle hooks fired.
type trackingExt struct {
	mu        sync.Mutex
	completed int
	failed    int
	retrying  int
	cancelled int
	lastErr   error
	lastNext  time.Time
}

func (e *trackingExt) Name() string { return "tracking" }

func (e *trackingExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed++
	return nil
}

func (e *trackingExt) OnJobFailed(_ context.Context, _ *job.Job, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed++
	e.lastErr = err
	return nil
}

func (e *trackingExt) OnJobRetrying(_ context.Context, _ *job.Job, _ int, nextRetryAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retrying++
	e.lastNext = nextRetryAt
	return nil
}

func (e *trackingExt) OnJobCancelled(_ context.Context, _ *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled++
	return nil
}

func (e *trackingExt) counts() (completed, failed, retrying, cancelled int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed, e.failed, e.retrying, e.cancelled
}

// claimedJob creates a job in the store and claims it, returning the
// claimed copy the executor would receive.
func claimedJob(t *testing.T, store *memory.Store, maxAttempts int) *job.Job {
	t.Helper()
	ctx := context.Background()

	j := job.New(id.NewPublisherID(), "https://example.com/a", job.TypeFullProcess, maxAttempts)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := store.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	return claimed
}

func newTestExecutor(runner Runner, store *memory.Store, tracker *trackingExt, bo backoff.Strategy) *Executor {
	logger := discardLogger()
	registry := ext.NewRegistry(logger)
	if tracker != nil {
		registry.Register(tracker)
	}
	if bo == nil {
		bo = backoff.NewConstant(time.Minute)
	}
	return NewExecutor(runner, registry, store, bo, logger)
}

func TestExecutorCompletesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tracker := &trackingExt{}

	j := claimedJob(t, store, 4)
	exec := newTestExecutor(&stubRunner{}, store, tracker, nil)

	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt set")
	}

	completed, failed, retrying, cancelled := tracker.counts()
	if completed != 1 || failed != 0 || retrying != 0 || cancelled != 0 {
		t.Fatalf("hooks = (%d,%d,%d,%d), want completed only", completed, failed, retrying, cancelled)
	}
}

func TestExecutorSchedulesRetryOnTransientError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tracker := &trackingExt{}

	j := claimedJob(t, store, 4)
	runner := &stubRunner{fn: func(_ context.Context, _ *job.Job) error {
		return &enrich.RetrievalError{URL: "https://example.com/a", Reason: "upstream timeout", Retryable: true}
	}}
	exec := newTestExecutor(runner, store, tracker, backoff.NewConstant(time.Minute))

	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateRetry {
		t.Fatalf("state = %q, want retry", got.State)
	}
	if got.ErrorKind != job.ErrorKindRetrieval {
		t.Fatalf("error kind = %q, want retrieval", got.ErrorKind)
	}
	if got.NextRetryAt == nil {
		t.Fatal("expected NextRetryAt set")
	}
	if until := time.Until(*got.NextRetryAt); until < 50*time.Second || until > 70*time.Second {
		t.Fatalf("retry delay = %v, want about a minute", until)
	}
	if !got.WorkerID.IsNil() {
		t.Fatal("expected worker assignment cleared")
	}

	_, _, retrying, _ := tracker.counts()
	if retrying != 1 {
		t.Fatalf("retrying hooks = %d, want 1", retrying)
	}
}

func TestExecutorFailsOnPermanentError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tracker := &trackingExt{}

	j := claimedJob(t, store, 4)
	permErr := &enrich.ValidationError{Field: "target_url", Reason: "not absolute"}
	runner := &stubRunner{fn: func(_ context.Context, _ *job.Job) error { return permErr }}
	exec := newTestExecutor(runner, store, tracker, nil)

	err := exec.Execute(ctx, j)
	if !errors.Is(err, permErr) {
		t.Fatalf("Execute error = %v, want the run error", err)
	}

	got, getErr := store.GetJob(ctx, j.ID)
	if getErr != nil {
		t.Fatalf("GetJob: %v", getErr)
	}
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if got.ErrorKind != job.ErrorKindValidation {
		t.Fatalf("error kind = %q, want validation", got.ErrorKind)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1: permanent errors do not retry", got.AttemptCount)
	}

	_, failed, retrying, _ := tracker.counts()
	if failed != 1 || retrying != 0 {
		t.Fatalf("hooks = failed %d retrying %d, want 1/0", failed, retrying)
	}
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tracker := &trackingExt{}

	transient := &enrich.GenerationError{Op: "summarize", Reason: "rate limited", Retryable: true}
	runner := &stubRunner{fn: func(_ context.Context, _ *job.Job) error { return transient }}
	exec := newTestExecutor(runner, store, tracker, backoff.NewConstant(0))

	j := job.New(id.NewPublisherID(), "https://example.com/a", job.TypeFullProcess, 2)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Attempt 1 fails transiently, attempt 2 exhausts the budget.
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.ClaimJob(ctx, j.ID, id.NewWorkerID())
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		_ = exec.Execute(ctx, claimed)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want failed after exhaustion", got.State)
	}
	if got.ErrorKind != job.ErrorKindExhausted {
		t.Fatalf("error kind = %q, want exhausted", got.ErrorKind)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", got.AttemptCount)
	}

	_, failed, retrying, _ := tracker.counts()
	if retrying != 1 || failed != 1 {
		t.Fatalf("hooks = retrying %d failed %d, want 1/1", retrying, failed)
	}
	if runner.callCount() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.callCount())
	}
}

func TestExecutorCancelsOnPipelineCancellation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tracker := &trackingExt{}

	j := claimedJob(t, store, 4)
	runner := &stubRunner{fn: func(_ context.Context, _ *job.Job) error {
		return pipeline.ErrCancelled
	}}
	exec := newTestExecutor(runner, store, tracker, nil)

	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("state = %q, want cancelled", got.State)
	}

	_, _, _, cancelled := tracker.counts()
	if cancelled != 1 {
		t.Fatalf("cancelled hooks = %d, want 1", cancelled)
	}
}

func TestExecutorDropsLostRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tracker := &trackingExt{}

	j := claimedJob(t, store, 4)
	runner := &stubRunner{fn: func(_ context.Context, _ *job.Job) error {
		// The job is cancelled externally while the worker runs it.
		external := *j
		external.State = job.StateCancelled
		return store.TransitionJob(ctx, &external, job.StateProcessing)
	}}
	exec := newTestExecutor(runner, store, tracker, nil)

	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute after lost race: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("state = %q, want cancelled preserved", got.State)
	}

	completed, failed, _, _ := tracker.counts()
	if completed != 0 || failed != 0 {
		t.Fatalf("hooks = completed %d failed %d, want none", completed, failed)
	}
}

func TestErrorKindClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want job.ErrorKind
	}{
		{"validation", &enrich.ValidationError{Field: "url", Reason: "bad"}, job.ErrorKindValidation},
		{"retrieval", &enrich.RetrievalError{URL: "u", Reason: "gone"}, job.ErrorKindRetrieval},
		{"generation", &enrich.GenerationError{Op: "embed", Reason: "quota"}, job.ErrorKindGeneration},
		{"wrapped", errors.Join(errors.New("outer"), &enrich.RetrievalError{URL: "u", Reason: "503"}), job.ErrorKindRetrieval},
		{"unclassified", errors.New("connection reset"), job.ErrorKindPersist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKindFor(tt.err); got != tt.want {
				t.Fatalf("errorKindFor(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
