package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/admission"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
	"github.com/readwell/enrich/pipeline"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newStoredJob(publisherID id.PublisherID, url string) *job.Job {
	return job.New(publisherID, url, job.TypeFullProcess, 4)
}

func TestJobCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newStoredJob(id.NewPublisherID(), "https://example.com/a")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "create new job",
			fn:      func() error { return s.CreateJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "create duplicate job",
			fn:      func() error { return s.CreateJob(ctx, j) },
			wantErr: enrich.ErrJobExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.TargetURL != j.TargetURL {
		t.Fatalf("got url %q, want %q", got.TargetURL, j.TargetURL)
	}
	if got.State != job.StateQueued {
		t.Fatalf("got state %q, want %q", got.State, job.StateQueued)
	}

	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, enrich.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestFindActiveJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pub := id.NewPublisherID()
	url := "https://example.com/article"

	j := newStoredJob(pub, url)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.FindActiveJob(ctx, pub, url, job.TypeFullProcess)
	if err != nil {
		t.Fatalf("FindActiveJob: %v", err)
	}
	if got.ID.String() != j.ID.String() {
		t.Fatalf("found wrong job: %s", got.ID)
	}

	// Different type is not a match.
	_, err = s.FindActiveJob(ctx, pub, url, job.TypeReprocess)
	if !errors.Is(err, enrich.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for other type, got %v", err)
	}

	// Terminal jobs are not active.
	claimed, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	claimed.State = job.StateCompleted
	if err := s.TransitionJob(ctx, claimed, job.StateProcessing); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	_, err = s.FindActiveJob(ctx, pub, url, job.TypeFullProcess)
	if !errors.Is(err, enrich.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after completion, got %v", err)
	}
}

func TestTransitionJob_CAS(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newStoredJob(id.NewPublisherID(), "https://example.com/a")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Wrong expected state loses the CAS.
	j.State = job.StateCompleted
	err := s.TransitionJob(ctx, j, job.StateProcessing)
	if !errors.Is(err, enrich.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	// Legal edge succeeds.
	j.State = job.StateCancelled
	if err := s.TransitionJob(ctx, j, job.StateQueued); err != nil {
		t.Fatalf("queued → cancelled: %v", err)
	}

	// Terminal states are final.
	j.State = job.StateQueued
	err = s.TransitionJob(ctx, j, job.StateCancelled)
	if !errors.Is(err, enrich.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict leaving terminal, got %v", err)
	}

	// CAS against a terminal stored state reports terminality.
	j.State = job.StateProcessing
	err = s.TransitionJob(ctx, j, job.StateQueued)
	if !errors.Is(err, enrich.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestClaimJob_SingleWinner(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newStoredJob(id.NewPublisherID(), "https://example.com/a")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const workers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 claim winner, got %d", wins)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateProcessing {
		t.Fatalf("state = %q, want processing", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}
	if got.StartedAt == nil || got.HeartbeatAt == nil {
		t.Fatal("expected StartedAt and HeartbeatAt to be stamped")
	}
}

func TestClaimJob_RetryIncrementsAttempts(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newStoredJob(id.NewPublisherID(), "https://example.com/a")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	claimed, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// Park for retry, then claim again.
	now := time.Now().UTC()
	claimed.State = job.StateRetry
	claimed.NextRetryAt = &now
	if err := s.TransitionJob(ctx, claimed, job.StateProcessing); err != nil {
		t.Fatalf("park for retry: %v", err)
	}

	reclaimed, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if reclaimed.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", reclaimed.AttemptCount)
	}
	if reclaimed.NextRetryAt != nil {
		t.Fatal("expected NextRetryAt cleared on claim")
	}
}

func TestListRunnable(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pub := id.NewPublisherID()
	now := time.Now().UTC()

	queued := newStoredJob(pub, "https://example.com/1")
	retryDue := newStoredJob(pub, "https://example.com/2")
	retryDue.State = job.StateRetry
	past := now.Add(-time.Minute)
	retryDue.NextRetryAt = &past
	retryLater := newStoredJob(pub, "https://example.com/3")
	retryLater.State = job.StateRetry
	future := now.Add(time.Hour)
	retryLater.NextRetryAt = &future
	done := newStoredJob(pub, "https://example.com/4")
	done.State = job.StateCompleted

	for _, j := range []*job.Job{queued, retryDue, retryLater, done} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	runnable, err := s.ListRunnable(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	if len(runnable) != 2 {
		t.Fatalf("expected 2 runnable jobs, got %d", len(runnable))
	}
	for _, j := range runnable {
		if j.ID.String() == retryLater.ID.String() || j.ID.String() == done.ID.String() {
			t.Fatalf("job %s should not be runnable", j.ID)
		}
	}
}

func TestHeartbeatAndStaleJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newStoredJob(id.NewPublisherID(), "https://example.com/a")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	worker := id.NewWorkerID()
	claimed, err := s.ClaimJob(ctx, j.ID, worker)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// Heartbeat from the holding worker succeeds.
	if err := s.HeartbeatJob(ctx, claimed.ID, worker); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}

	// Heartbeat from another worker is rejected.
	err = s.HeartbeatJob(ctx, claimed.ID, id.NewWorkerID())
	if !errors.Is(err, enrich.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	// Fresh heartbeat is not stale.
	stale, err := s.StaleJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("StaleJobs: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale jobs, got %d", len(stale))
	}

	// An ancient heartbeat is.
	stale, err = s.StaleJobs(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("StaleJobs: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale job, got %d", len(stale))
	}
}

func TestUpdateJob_PreservesState(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newStoredJob(id.NewPublisherID(), "https://example.com/a")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Cancel through the state machine.
	cancelled := *j
	cancelled.State = job.StateCancelled
	if err := s.TransitionJob(ctx, &cancelled, job.StateQueued); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}

	// A stale update carrying the old state must not resurrect the job.
	j.CurrentStep = job.StepRetrieve
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("state = %q, want cancelled preserved", got.State)
	}
	if got.CurrentStep != job.StepRetrieve {
		t.Fatalf("current step = %q, want retrieve", got.CurrentStep)
	}
}

func TestCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pubA := id.NewPublisherID()
	pubB := id.NewPublisherID()

	for i, pub := range []id.PublisherID{pubA, pubA, pubB} {
		j := newStoredJob(pub, "https://example.com/"+string(rune('a'+i)))
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	total, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}

	forA, err := s.CountJobs(ctx, job.CountOpts{PublisherID: pubA})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if forA != 2 {
		t.Fatalf("count for publisher A = %d, want 2", forA)
	}

	queued, err := s.CountJobs(ctx, job.CountOpts{State: job.StateQueued})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if queued != 3 {
		t.Fatalf("queued count = %d, want 3", queued)
	}
}

// ──────────────────────────────────────────────────
// Artifact Store tests
// ──────────────────────────────────────────────────

func newArtifact(contentID string, version int) *pipeline.Artifact {
	return &pipeline.Artifact{
		Entity:         enrich.NewEntity(),
		ContentID:      contentID,
		Version:        version,
		PublisherID:    id.NewPublisherID(),
		SourceURL:      "https://example.com/a",
		SourceChecksum: "abc123",
		WordCount:      500,
		Summary:        "a summary",
	}
}

func TestArtifactSaveGetLatest(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	v1 := newArtifact("c01", 1)
	v2 := newArtifact("c01", 2)
	other := newArtifact("c02", 5)

	for _, a := range []*pipeline.Artifact{v1, v2, other} {
		if err := s.SaveArtifact(ctx, a); err != nil {
			t.Fatalf("SaveArtifact: %v", err)
		}
	}

	got, err := s.GetArtifact(ctx, v1.Ref())
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}

	latest, err := s.LatestArtifact(ctx, "c01")
	if err != nil {
		t.Fatalf("LatestArtifact: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version = %d, want 2", latest.Version)
	}

	_, err = s.LatestArtifact(ctx, "missing")
	if !errors.Is(err, enrich.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestArtifactSaveIsUpsert(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	a := newArtifact("c01", 1)
	if err := s.SaveArtifact(ctx, a); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	a.Summary = "rewritten"
	if err := s.SaveArtifact(ctx, a); err != nil {
		t.Fatalf("SaveArtifact upsert: %v", err)
	}

	got, err := s.GetArtifact(ctx, a.Ref())
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Summary != "rewritten" {
		t.Fatalf("summary = %q, want upserted value", got.Summary)
	}
}

func TestSaveVectors(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	vectors := []pipeline.Vector{
		{Field: "summary", Values: []float32{0.1, 0.2}},
		{Field: "question:0", Values: []float32{0.3, 0.4}},
	}

	ids, err := s.SaveVectors(ctx, "c01", 1, vectors)
	if err != nil {
		t.Fatalf("SaveVectors: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 vector ids, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatal("vector ids must be distinct per field")
	}

	// Same keys on replay: a retried embed step overwrites.
	again, err := s.SaveVectors(ctx, "c01", 1, vectors)
	if err != nil {
		t.Fatalf("SaveVectors replay: %v", err)
	}
	for i := range ids {
		if ids[i] != again[i] {
			t.Fatalf("vector id changed on replay: %q vs %q", ids[i], again[i])
		}
	}
}

// ──────────────────────────────────────────────────
// Checkpoint Store tests
// ──────────────────────────────────────────────────

func TestCheckpoints(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	jobID := id.NewJobID()

	// Missing checkpoint returns nil data, not an error.
	data, err := s.GetCheckpoint(ctx, jobID, job.StepRetrieve)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if data != nil {
		t.Fatal("expected nil data for missing checkpoint")
	}

	if err := s.SaveCheckpoint(ctx, jobID, job.StepRetrieve, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	data, err = s.GetCheckpoint(ctx, jobID, job.StepRetrieve)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("checkpoint data = %q", data)
	}

	if err := s.DeleteCheckpoints(ctx, jobID); err != nil {
		t.Fatalf("DeleteCheckpoints: %v", err)
	}
	data, err = s.GetCheckpoint(ctx, jobID, job.StepRetrieve)
	if err != nil {
		t.Fatalf("GetCheckpoint after delete: %v", err)
	}
	if data != nil {
		t.Fatal("expected checkpoint gone after delete")
	}
}

// ──────────────────────────────────────────────────
// Result Cache tests
// ──────────────────────────────────────────────────

func TestResultCache(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pub := id.NewPublisherID()
	url := "https://example.com/a"
	a := newArtifact("c01", 1)

	_, err := s.GetResult(ctx, pub, url)
	if !errors.Is(err, enrich.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	if err := s.SetResult(ctx, pub, url, a, time.Minute); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	got, err := s.GetResult(ctx, pub, url)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Ref() != a.Ref() {
		t.Fatalf("cached ref = %q, want %q", got.Ref(), a.Ref())
	}

	// An expired entry is a miss.
	if err := s.SetResult(ctx, pub, url, a, -time.Second); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	_, err = s.GetResult(ctx, pub, url)
	if !errors.Is(err, enrich.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss after expiry, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Slot Store tests
// ──────────────────────────────────────────────────

func TestSlots(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pub := id.NewPublisherID()

	for i := range 3 {
		granted, err := s.AcquireSlot(ctx, pub, 3)
		if err != nil {
			t.Fatalf("AcquireSlot %d: %v", i, err)
		}
		if !granted {
			t.Fatalf("slot %d should be granted", i)
		}
	}

	granted, err := s.AcquireSlot(ctx, pub, 3)
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if granted {
		t.Fatal("fourth slot should be denied at max 3")
	}

	if err := s.ReleaseSlot(ctx, pub); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	active, err := s.ActiveSlots(ctx, pub)
	if err != nil {
		t.Fatalf("ActiveSlots: %v", err)
	}
	if active != 2 {
		t.Fatalf("active = %d, want 2", active)
	}
}

func TestDailyUsage(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pub := id.NewPublisherID()
	day := admission.DayBucket(time.Now())

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrDailyUsage(ctx, pub, day, time.Hour)
		if err != nil {
			t.Fatalf("IncrDailyUsage: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	if err := s.DecrDailyUsage(ctx, pub, day); err != nil {
		t.Fatalf("DecrDailyUsage: %v", err)
	}
	count, err := s.DailyUsage(ctx, pub, day)
	if err != nil {
		t.Fatalf("DailyUsage: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	// A different day bucket is independent.
	other, err := s.DailyUsage(ctx, pub, "1999-12-31")
	if err != nil {
		t.Fatalf("DailyUsage: %v", err)
	}
	if other != 0 {
		t.Fatalf("other day count = %d, want 0", other)
	}
}

// ──────────────────────────────────────────────────
// Archive Store tests
// ──────────────────────────────────────────────────

func TestArchiveStore(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	entry := &archive.Entry{
		ID:          id.NewArchiveID(),
		JobID:       id.NewJobID(),
		PublisherID: id.NewPublisherID(),
		TargetURL:   "https://example.com/a",
		JobType:     job.TypeFullProcess,
		FinalState:  job.StateFailed,
		ArchivedAt:  time.Now().UTC().Add(-time.Hour),
	}
	if err := s.PushArchive(ctx, entry); err != nil {
		t.Fatalf("PushArchive: %v", err)
	}

	got, err := s.GetArchive(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if got.FinalState != job.StateFailed {
		t.Fatalf("final state = %q", got.FinalState)
	}

	listed, err := s.ListArchive(ctx, archive.ListOpts{FinalState: job.StateFailed})
	if err != nil {
		t.Fatalf("ListArchive: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(listed))
	}

	if err := s.MarkResubmitted(ctx, entry.ID); err != nil {
		t.Fatalf("MarkResubmitted: %v", err)
	}
	got, _ = s.GetArchive(ctx, entry.ID)
	if got.ResubmittedAt == nil {
		t.Fatal("expected ResubmittedAt set")
	}

	purged, err := s.PurgeArchive(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeArchive: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	count, _ := s.CountArchive(ctx)
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

// ──────────────────────────────────────────────────
// Leadership tests
// ──────────────────────────────────────────────────

func TestLeadership(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	w1 := id.NewWorkerID()
	w2 := id.NewWorkerID()

	acquired, err := s.AcquireLeadership(ctx, w1, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLeadership: %v", err)
	}
	if !acquired {
		t.Fatal("w1 should acquire leadership")
	}

	acquired, err = s.AcquireLeadership(ctx, w2, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLeadership: %v", err)
	}
	if acquired {
		t.Fatal("w2 should not acquire while w1 leads")
	}

	renewed, err := s.RenewLeadership(ctx, w1, time.Minute)
	if err != nil {
		t.Fatalf("RenewLeadership: %v", err)
	}
	if !renewed {
		t.Fatal("w1 should renew its lease")
	}

	renewed, err = s.RenewLeadership(ctx, w2, time.Minute)
	if err != nil {
		t.Fatalf("RenewLeadership: %v", err)
	}
	if renewed {
		t.Fatal("w2 must not renew a lease it does not hold")
	}
}
